// Package vm provides an embeddable RISC-V RV32IM virtual machine.
package vm

import "fmt"

// Op identifies a decoded RV32IM operation.
//
// The set covers the RV32I base integer instruction set plus the M standard
// extension for integer multiplication and division:
//   - RV32I: upper-immediate, jump, branch, load/store, ALU instructions
//   - RV32M: MUL/MULH/MULHSU/MULHU and DIV/DIVU/REM/REMU
//
// OpUnsupported is the decode result for any word outside this surface.
// Decoding never fails; executing an unsupported instruction traps.
type Op uint8

const (
	// OpUnsupported marks a word this VM does not implement. The raw word
	// is preserved on the Instruction for diagnostics.
	OpUnsupported Op = iota

	// Upper-immediate (U-type).
	OpLui
	OpAuipc

	// Jumps.
	OpJal
	OpJalr

	// Conditional branches (B-type).
	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu

	// Loads (I-type).
	OpLb
	OpLh
	OpLw
	OpLbu
	OpLhu

	// Stores (S-type).
	OpSb
	OpSh
	OpSw

	// ALU with immediate (I-type). Shift immediates carry the 5-bit shamt.
	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai

	// ALU register-register (R-type).
	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd

	// M extension (R-type, funct7=0x01).
	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu

	// Memory ordering. Executes as a no-op on this single-hart VM.
	OpFence

	// Environment calls.
	OpEcall
	OpEbreak

	// opCount bounds tables indexed by Op (gas costs, mnemonics, metrics).
	opCount
)

// mnemonics maps an Op to its assembly mnemonic.
var mnemonics = [opCount]string{
	OpUnsupported: "unsupported",
	OpLui:         "lui",
	OpAuipc:       "auipc",
	OpJal:         "jal",
	OpJalr:        "jalr",
	OpBeq:         "beq",
	OpBne:         "bne",
	OpBlt:         "blt",
	OpBge:         "bge",
	OpBltu:        "bltu",
	OpBgeu:        "bgeu",
	OpLb:          "lb",
	OpLh:          "lh",
	OpLw:          "lw",
	OpLbu:         "lbu",
	OpLhu:         "lhu",
	OpSb:          "sb",
	OpSh:          "sh",
	OpSw:          "sw",
	OpAddi:        "addi",
	OpSlti:        "slti",
	OpSltiu:       "sltiu",
	OpXori:        "xori",
	OpOri:         "ori",
	OpAndi:        "andi",
	OpSlli:        "slli",
	OpSrli:        "srli",
	OpSrai:        "srai",
	OpAdd:         "add",
	OpSub:         "sub",
	OpSll:         "sll",
	OpSlt:         "slt",
	OpSltu:        "sltu",
	OpXor:         "xor",
	OpSrl:         "srl",
	OpSra:         "sra",
	OpOr:          "or",
	OpAnd:         "and",
	OpMul:         "mul",
	OpMulh:        "mulh",
	OpMulhsu:      "mulhsu",
	OpMulhu:       "mulhu",
	OpDiv:         "div",
	OpDivu:        "divu",
	OpRem:         "rem",
	OpRemu:        "remu",
	OpFence:       "fence",
	OpEcall:       "ecall",
	OpEbreak:      "ebreak",
}

// String returns the assembly mnemonic for the operation.
func (op Op) String() string {
	if op >= opCount {
		return "unknown"
	}
	return mnemonics[op]
}

// Instruction is a single decoded RV32IM instruction.
//
// Field usage depends on the operation:
//   - Rd/Rs1/Rs2 are register indexes (0-31); unused fields are zero
//   - Imm is the sign-extended immediate; for shift-immediate instructions
//     it carries the 5-bit shamt, and for LUI/AUIPC the signed 20-bit value
//     before the 12-bit left shift
//   - Word always preserves the raw 32-bit encoding
type Instruction struct {
	Op   Op
	Rd   uint8
	Rs1  uint8
	Rs2  uint8
	Imm  int32
	Word uint32
}

// Instruction encoding constants.
const (
	opcodeMask = 0x7f

	opcodeLui    = 0x37
	opcodeAuipc  = 0x17
	opcodeJal    = 0x6f
	opcodeJalr   = 0x67
	opcodeBranch = 0x63
	opcodeLoad   = 0x03
	opcodeStore  = 0x23
	opcodeALUImm = 0x13
	opcodeALUReg = 0x33
	opcodeFence  = 0x0f
	opcodeSystem = 0x73

	funct7Base = 0x00
	funct7Alt  = 0x20
	funct7M    = 0x01

	wordEcall  = 0x00000073
	wordEbreak = 0x00100073
)

func fieldRd(word uint32) uint8     { return uint8((word >> 7) & 0x1f) }
func fieldRs1(word uint32) uint8    { return uint8((word >> 15) & 0x1f) }
func fieldRs2(word uint32) uint8    { return uint8((word >> 20) & 0x1f) }
func fieldFunct3(word uint32) uint8 { return uint8((word >> 12) & 0x7) }
func fieldFunct7(word uint32) uint8 { return uint8(word >> 25) }

// immI extracts the sign-extended I-type immediate (bits 31:20).
func immI(word uint32) int32 { return int32(word) >> 20 }

// immS extracts the sign-extended S-type immediate (bits 31:25 | 11:7).
func immS(word uint32) int32 {
	return (int32(word)>>25)<<5 | int32((word>>7)&0x1f)
}

// immB extracts the sign-extended B-type branch offset
// (bits 31 | 7 | 30:25 | 11:8, scaled by 2).
func immB(word uint32) int32 {
	return (int32(word)>>31)<<12 |
		int32((word>>7)&0x1)<<11 |
		int32((word>>25)&0x3f)<<5 |
		int32((word>>8)&0xf)<<1
}

// immU extracts the signed upper immediate (bits 31:12) before shifting.
func immU(word uint32) int32 { return int32(word) >> 12 }

// immJ extracts the sign-extended J-type jump offset
// (bits 31 | 19:12 | 20 | 30:21, scaled by 2).
func immJ(word uint32) int32 {
	return (int32(word)>>31)<<20 |
		int32(word&0x000ff000) |
		int32((word>>20)&0x1)<<11 |
		int32((word>>21)&0x3ff)<<1
}

// Decode decodes a 32-bit instruction word.
//
// Decode is total: it always returns an Instruction and never reports an
// error. Words outside the RV32IM surface (unknown opcodes, reserved
// funct3/funct7 combinations, shift immediates with a bad prefix, or
// ECALL/EBREAK encodings with nonzero register fields) decode as
// OpUnsupported with the raw word preserved. The invalid-instruction trap
// is raised at execution time, not at decode time.
func Decode(word uint32) Instruction {
	unsupported := Instruction{Op: OpUnsupported, Word: word}

	switch word & opcodeMask {
	case opcodeLui:
		return Instruction{Op: OpLui, Rd: fieldRd(word), Imm: immU(word), Word: word}

	case opcodeAuipc:
		return Instruction{Op: OpAuipc, Rd: fieldRd(word), Imm: immU(word), Word: word}

	case opcodeJal:
		return Instruction{Op: OpJal, Rd: fieldRd(word), Imm: immJ(word), Word: word}

	case opcodeJalr:
		if fieldFunct3(word) != 0 {
			return unsupported
		}
		return Instruction{Op: OpJalr, Rd: fieldRd(word), Rs1: fieldRs1(word), Imm: immI(word), Word: word}

	case opcodeBranch:
		var op Op
		switch fieldFunct3(word) {
		case 0x0:
			op = OpBeq
		case 0x1:
			op = OpBne
		case 0x4:
			op = OpBlt
		case 0x5:
			op = OpBge
		case 0x6:
			op = OpBltu
		case 0x7:
			op = OpBgeu
		default:
			return unsupported
		}
		return Instruction{Op: op, Rs1: fieldRs1(word), Rs2: fieldRs2(word), Imm: immB(word), Word: word}

	case opcodeLoad:
		var op Op
		switch fieldFunct3(word) {
		case 0x0:
			op = OpLb
		case 0x1:
			op = OpLh
		case 0x2:
			op = OpLw
		case 0x4:
			op = OpLbu
		case 0x5:
			op = OpLhu
		default:
			return unsupported
		}
		return Instruction{Op: op, Rd: fieldRd(word), Rs1: fieldRs1(word), Imm: immI(word), Word: word}

	case opcodeStore:
		var op Op
		switch fieldFunct3(word) {
		case 0x0:
			op = OpSb
		case 0x1:
			op = OpSh
		case 0x2:
			op = OpSw
		default:
			return unsupported
		}
		return Instruction{Op: op, Rs1: fieldRs1(word), Rs2: fieldRs2(word), Imm: immS(word), Word: word}

	case opcodeALUImm:
		return decodeALUImm(word)

	case opcodeALUReg:
		return decodeALUReg(word)

	case opcodeFence:
		if fieldFunct3(word) != 0 {
			// FENCE.I and other Zifencei encodings are not implemented.
			return unsupported
		}
		return Instruction{Op: OpFence, Word: word}

	case opcodeSystem:
		// Only the canonical encodings are accepted; any nonzero rd, rs1,
		// or unexpected immediate makes the word unsupported.
		switch word {
		case wordEcall:
			return Instruction{Op: OpEcall, Word: word}
		case wordEbreak:
			return Instruction{Op: OpEbreak, Word: word}
		default:
			return unsupported
		}

	default:
		return unsupported
	}
}

func decodeALUImm(word uint32) Instruction {
	inst := Instruction{Rd: fieldRd(word), Rs1: fieldRs1(word), Imm: immI(word), Word: word}

	switch fieldFunct3(word) {
	case 0x0:
		inst.Op = OpAddi
	case 0x2:
		inst.Op = OpSlti
	case 0x3:
		inst.Op = OpSltiu
	case 0x4:
		inst.Op = OpXori
	case 0x6:
		inst.Op = OpOri
	case 0x7:
		inst.Op = OpAndi
	case 0x1:
		if fieldFunct7(word) != funct7Base {
			return Instruction{Op: OpUnsupported, Word: word}
		}
		inst.Op = OpSlli
		inst.Imm = int32(fieldRs2(word)) // shamt
	case 0x5:
		switch fieldFunct7(word) {
		case funct7Base:
			inst.Op = OpSrli
		case funct7Alt:
			inst.Op = OpSrai
		default:
			return Instruction{Op: OpUnsupported, Word: word}
		}
		inst.Imm = int32(fieldRs2(word)) // shamt
	default:
		return Instruction{Op: OpUnsupported, Word: word}
	}

	return inst
}

func decodeALUReg(word uint32) Instruction {
	inst := Instruction{Rd: fieldRd(word), Rs1: fieldRs1(word), Rs2: fieldRs2(word), Word: word}

	switch fieldFunct7(word) {
	case funct7Base:
		switch fieldFunct3(word) {
		case 0x0:
			inst.Op = OpAdd
		case 0x1:
			inst.Op = OpSll
		case 0x2:
			inst.Op = OpSlt
		case 0x3:
			inst.Op = OpSltu
		case 0x4:
			inst.Op = OpXor
		case 0x5:
			inst.Op = OpSrl
		case 0x6:
			inst.Op = OpOr
		case 0x7:
			inst.Op = OpAnd
		}
	case funct7Alt:
		switch fieldFunct3(word) {
		case 0x0:
			inst.Op = OpSub
		case 0x5:
			inst.Op = OpSra
		default:
			return Instruction{Op: OpUnsupported, Word: word}
		}
	case funct7M:
		switch fieldFunct3(word) {
		case 0x0:
			inst.Op = OpMul
		case 0x1:
			inst.Op = OpMulh
		case 0x2:
			inst.Op = OpMulhsu
		case 0x3:
			inst.Op = OpMulhu
		case 0x4:
			inst.Op = OpDiv
		case 0x5:
			inst.Op = OpDivu
		case 0x6:
			inst.Op = OpRem
		case 0x7:
			inst.Op = OpRemu
		}
	default:
		return Instruction{Op: OpUnsupported, Word: word}
	}

	return inst
}

// Mnemonic returns the bare assembly mnemonic ("addi", "ecall", ...).
// Useful as a low-cardinality label for metrics and trace events.
func (i Instruction) Mnemonic() string { return i.Op.String() }

// String renders the instruction as assembly text:
//
//	addi x1, x2, 100
//	lb x1, 100(x2)
//	sw x3, -8(x2)
//	add x1, x2, x3
//	beq x1, x2, 16
//	lui x1, 74565
//	jal x1, 2048
//	ecall
//	unsupported(0x12345678)
//
// Branch and jump offsets are rendered in bytes relative to the
// instruction's own address.
func (i Instruction) String() string {
	switch i.Op {
	case OpAddi, OpSlti, OpSltiu, OpXori, OpOri, OpAndi, OpSlli, OpSrli, OpSrai, OpJalr:
		return fmt.Sprintf("%s x%d, x%d, %d", i.Op, i.Rd, i.Rs1, i.Imm)
	case OpLb, OpLh, OpLw, OpLbu, OpLhu:
		return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rd, i.Imm, i.Rs1)
	case OpSb, OpSh, OpSw:
		return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rs2, i.Imm, i.Rs1)
	case OpAdd, OpSub, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpSra, OpOr, OpAnd,
		OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu:
		return fmt.Sprintf("%s x%d, x%d, x%d", i.Op, i.Rd, i.Rs1, i.Rs2)
	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		return fmt.Sprintf("%s x%d, x%d, %d", i.Op, i.Rs1, i.Rs2, i.Imm)
	case OpLui, OpAuipc:
		return fmt.Sprintf("%s x%d, %d", i.Op, i.Rd, i.Imm)
	case OpJal:
		return fmt.Sprintf("jal x%d, %d", i.Rd, i.Imm)
	case OpFence, OpEcall, OpEbreak:
		return i.Op.String()
	default:
		return fmt.Sprintf("unsupported(0x%08x)", i.Word)
	}
}
