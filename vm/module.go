package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Module is a validated RV32IM code image, decoded once and shared by every
// instance that runs it.
//
// Modules are immutable after construction and safe for concurrent use. The
// code segment is identified by its content hash, which keys receipts and
// snapshots in the store and lets callers deduplicate uploads.
//
// Code addresses start at 0. Word k of the image sits at pc = 4*k. The
// address one past the end of the image (Size()) doubles as the return
// sentinel for Instance.Call.
type Module struct {
	engine *Engine
	code   []byte
	hash   string
	insns  []Instruction
}

// newModule validates and predecodes a code image for an engine.
func newModule(e *Engine, code []byte) (*Module, error) {
	if len(code) == 0 {
		return nil, ErrEmptyCode
	}
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrCodeMisaligned, len(code))
	}
	if uint64(len(code)) > uint64(e.cfg.maxCodeSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrCodeTooLarge, len(code), e.cfg.maxCodeSize)
	}

	buf := make([]byte, len(code))
	copy(buf, code)
	sum := sha256.Sum256(buf)

	m := &Module{
		engine: e,
		code:   buf,
		hash:   "sha256:" + hex.EncodeToString(sum[:]),
		insns:  make([]Instruction, len(buf)/4),
	}
	for i := range m.insns {
		m.insns[i] = Decode(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return m, nil
}

// Hash returns the module's content identity in the form "sha256:<hex>".
//
// Two modules built from identical bytes always share a hash, regardless
// of engine configuration. Receipts and snapshots reference modules by
// this value.
func (m *Module) Hash() string {
	return m.hash
}

// Size returns the code segment length in bytes. It is always a non-zero
// multiple of 4, and also serves as the return sentinel address for calls.
func (m *Module) Size() uint32 {
	return uint32(len(m.code))
}

// Code returns a copy of the raw code image.
func (m *Module) Code() []byte {
	out := make([]byte, len(m.code))
	copy(out, m.code)
	return out
}

// Instructions returns the number of words in the code segment.
func (m *Module) Instructions() uint32 {
	return uint32(len(m.insns))
}

// instruction returns the predecoded instruction for an aligned, in-range pc.
func (m *Module) instruction(pc uint32) Instruction {
	return m.insns[pc>>2]
}

// Disassemble renders the whole module as human-readable assembly, one
// instruction per line:
//
//	0x00000000: 00500093  addi x1, x0, 5
//	0x00000004: 00008067  jalr x0, 0(x1)
//
// Words that do not decode render as unsupported(0x........), which is
// normal for data pools embedded in the image.
func (m *Module) Disassemble() string {
	var b strings.Builder
	for i, insn := range m.insns {
		fmt.Fprintf(&b, "0x%08x: %08x  %s\n", i*4, insn.Word, insn.String())
	}
	return b.String()
}
