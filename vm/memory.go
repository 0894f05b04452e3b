package vm

import "encoding/binary"

// Memory is the byte-addressable linear data memory of an Instance.
//
// Addresses run from 0 to Len()-1. All multi-byte accesses are
// little-endian and may be unaligned. Every access is bounds-checked;
// violations return *MemoryError and never touch the underlying buffer.
//
// Memory is separate from code: guests cannot read, write, or jump into
// the code segment through this address space, and stores cannot corrupt
// instructions.
//
// Not safe for concurrent use, matching the Instance that owns it.
type Memory struct {
	data []byte
}

// newMemory allocates a zeroed memory of the given size.
func newMemory(size uint32) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Len returns the memory size in bytes.
func (m *Memory) Len() uint32 {
	return uint32(len(m.data))
}

// Bytes returns the live backing buffer.
//
// The slice aliases instance state: writes through it are visible to the
// guest immediately. Host code that mutates it mid-call bypasses the
// freshness tracking used for replay verification; prefer ReadBytes and
// WriteBytes unless bulk zero-copy access is required.
func (m *Memory) Bytes() []byte {
	return m.data
}

// check validates an n-byte access at addr. The sum is computed in uint64
// so addr+n cannot wrap.
func (m *Memory) check(op string, addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(len(m.data)) {
		return &MemoryError{Op: op, Addr: addr, Size: n, Len: uint32(len(m.data))}
	}
	return nil
}

// ReadUint8 loads one byte from addr.
func (m *Memory) ReadUint8(addr uint32) (uint8, error) {
	if err := m.check("read", addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

// ReadUint16 loads a little-endian halfword from addr.
func (m *Memory) ReadUint16(addr uint32) (uint16, error) {
	if err := m.check("read", addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[addr:]), nil
}

// ReadUint32 loads a little-endian word from addr.
func (m *Memory) ReadUint32(addr uint32) (uint32, error) {
	if err := m.check("read", addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), nil
}

// WriteUint8 stores one byte at addr.
func (m *Memory) WriteUint8(addr uint32, v uint8) error {
	if err := m.check("write", addr, 1); err != nil {
		return err
	}
	m.data[addr] = v
	return nil
}

// WriteUint16 stores a little-endian halfword at addr.
func (m *Memory) WriteUint16(addr uint32, v uint16) error {
	if err := m.check("write", addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[addr:], v)
	return nil
}

// WriteUint32 stores a little-endian word at addr.
func (m *Memory) WriteUint32(addr uint32, v uint32) error {
	if err := m.check("write", addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:], v)
	return nil
}

// ReadBytes copies n bytes starting at addr into a fresh slice.
//
// The returned slice does not alias guest memory, so callers may retain or
// mutate it freely.
func (m *Memory) ReadBytes(addr, n uint32) ([]byte, error) {
	if err := m.check("read", addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.data[addr:])
	return out, nil
}

// WriteBytes copies p into memory starting at addr.
func (m *Memory) WriteBytes(addr uint32, p []byte) error {
	if err := m.check("write", addr, uint32(len(p))); err != nil {
		return err
	}
	copy(m.data[addr:], p)
	return nil
}

// zero clears all memory.
func (m *Memory) zero() {
	clear(m.data)
}
