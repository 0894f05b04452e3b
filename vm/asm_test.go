package vm

import (
	"context"
	"encoding/binary"
	"testing"
)

// Hand assembler for test programs. Register arguments are plain x-register
// numbers; immediates are the signed values the instruction sees.

func encR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encS(imm int32, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm & 0xfff)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcodeStore
}

func encB(imm int32, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm & 0x1fff)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opcodeBranch
}

func encU(imm20 int32, rd, opcode uint32) uint32 {
	return uint32(imm20&0xfffff)<<12 | rd<<7 | opcode
}

func encJ(imm int32, rd uint32) uint32 {
	u := uint32(imm & 0x1fffff)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opcodeJal
}

func addi(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x0, rd, opcodeALUImm) }
func slti(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x2, rd, opcodeALUImm) }
func sltiu(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0x3, rd, opcodeALUImm) }
func xori(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x4, rd, opcodeALUImm) }
func ori(rd, rs1 uint32, imm int32) uint32   { return encI(imm, rs1, 0x6, rd, opcodeALUImm) }
func andi(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x7, rd, opcodeALUImm) }

func slli(rd, rs1, shamt uint32) uint32 { return encR(0x00, shamt, rs1, 0x1, rd, opcodeALUImm) }
func srli(rd, rs1, shamt uint32) uint32 { return encR(0x00, shamt, rs1, 0x5, rd, opcodeALUImm) }
func srai(rd, rs1, shamt uint32) uint32 { return encR(0x20, shamt, rs1, 0x5, rd, opcodeALUImm) }

func add(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x0, rd, opcodeALUReg) }
func sub(rd, rs1, rs2 uint32) uint32  { return encR(0x20, rs2, rs1, 0x0, rd, opcodeALUReg) }
func sll(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x1, rd, opcodeALUReg) }
func slt(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x2, rd, opcodeALUReg) }
func sltu(rd, rs1, rs2 uint32) uint32 { return encR(0x00, rs2, rs1, 0x3, rd, opcodeALUReg) }
func xor(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x4, rd, opcodeALUReg) }
func srl(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x5, rd, opcodeALUReg) }
func sra(rd, rs1, rs2 uint32) uint32  { return encR(0x20, rs2, rs1, 0x5, rd, opcodeALUReg) }
func or(rd, rs1, rs2 uint32) uint32   { return encR(0x00, rs2, rs1, 0x6, rd, opcodeALUReg) }
func and(rd, rs1, rs2 uint32) uint32  { return encR(0x00, rs2, rs1, 0x7, rd, opcodeALUReg) }

func mul(rd, rs1, rs2 uint32) uint32    { return encR(0x01, rs2, rs1, 0x0, rd, opcodeALUReg) }
func mulh(rd, rs1, rs2 uint32) uint32   { return encR(0x01, rs2, rs1, 0x1, rd, opcodeALUReg) }
func mulhsu(rd, rs1, rs2 uint32) uint32 { return encR(0x01, rs2, rs1, 0x2, rd, opcodeALUReg) }
func mulhu(rd, rs1, rs2 uint32) uint32  { return encR(0x01, rs2, rs1, 0x3, rd, opcodeALUReg) }
func div(rd, rs1, rs2 uint32) uint32    { return encR(0x01, rs2, rs1, 0x4, rd, opcodeALUReg) }
func divu(rd, rs1, rs2 uint32) uint32   { return encR(0x01, rs2, rs1, 0x5, rd, opcodeALUReg) }
func rem(rd, rs1, rs2 uint32) uint32    { return encR(0x01, rs2, rs1, 0x6, rd, opcodeALUReg) }
func remu(rd, rs1, rs2 uint32) uint32   { return encR(0x01, rs2, rs1, 0x7, rd, opcodeALUReg) }

func lb(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x0, rd, opcodeLoad) }
func lh(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x1, rd, opcodeLoad) }
func lw(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x2, rd, opcodeLoad) }
func lbu(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0x4, rd, opcodeLoad) }
func lhu(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0x5, rd, opcodeLoad) }

func sb(rs2, rs1 uint32, imm int32) uint32 { return encS(imm, rs2, rs1, 0x0) }
func sh(rs2, rs1 uint32, imm int32) uint32 { return encS(imm, rs2, rs1, 0x1) }
func sw(rs2, rs1 uint32, imm int32) uint32 { return encS(imm, rs2, rs1, 0x2) }

func beq(rs1, rs2 uint32, imm int32) uint32  { return encB(imm, rs2, rs1, 0x0) }
func bne(rs1, rs2 uint32, imm int32) uint32  { return encB(imm, rs2, rs1, 0x1) }
func blt(rs1, rs2 uint32, imm int32) uint32  { return encB(imm, rs2, rs1, 0x4) }
func bge(rs1, rs2 uint32, imm int32) uint32  { return encB(imm, rs2, rs1, 0x5) }
func bltu(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 0x6) }
func bgeu(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 0x7) }

func lui(rd uint32, imm20 int32) uint32   { return encU(imm20, rd, opcodeLui) }
func auipc(rd uint32, imm20 int32) uint32 { return encU(imm20, rd, opcodeAuipc) }

func jal(rd uint32, imm int32) uint32        { return encJ(imm, rd) }
func jalr(rd, rs1 uint32, imm int32) uint32  { return encI(imm, rs1, 0x0, rd, opcodeJalr) }

// ret jumps to the return sentinel left in ra by Call.
func ret() uint32 { return jalr(0, regRA, 0) }

// li loads an arbitrary 32-bit constant with a lui/addi pair, adjusting the
// upper part for the sign extension addi applies to the lower 12 bits.
func li(rd uint32, v uint32) []uint32 {
	low := int32(v & 0xfff)
	if low >= 0x800 {
		low -= 0x1000
	}
	upper := int32((v - uint32(low)) >> 12)
	return []uint32{lui(rd, upper), addi(rd, rd, low)}
}

// program assembles words into a little-endian code image.
func program(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

// Test scaffolding shared by the execution tests.

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustInstance(t *testing.T, e *Engine, code []byte) *Instance {
	t.Helper()
	mod, err := e.NewModule(code)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	inst, err := e.NewInstance(mod)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	return inst
}

func mustCall(t *testing.T, inst *Instance, entry, arg uint32) uint32 {
	t.Helper()
	got, err := inst.Call(context.Background(), entry, arg)
	if err != nil {
		t.Fatalf("Call(0x%x, %d): %v", entry, arg, err)
	}
	return got
}
