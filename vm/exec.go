package vm

import "math"

// setReg writes a result register, preserving the hardwired zero in x0.
func (i *Instance) setReg(rd uint8, v uint32) {
	if rd != 0 {
		i.regs[rd] = v
	}
}

// exec executes one non-system instruction at pc and returns the next pc.
// ECALL and EBREAK are handled by the run loop; everything else lands
// here. Errors are *MemoryError from loads and stores; arithmetic never
// faults (division edge cases have defined results).
func (i *Instance) exec(insn Instruction, pc uint32) (uint32, error) {
	rs1 := i.regs[insn.Rs1]
	rs2 := i.regs[insn.Rs2]

	switch insn.Op {
	case OpLui:
		i.setReg(insn.Rd, uint32(insn.Imm)<<12)

	case OpAuipc:
		i.setReg(insn.Rd, pc+uint32(insn.Imm)<<12)

	case OpJal:
		i.setReg(insn.Rd, pc+4)
		return pc + uint32(insn.Imm), nil

	case OpJalr:
		// Target drops bit 0 per the ISA; the link value is captured
		// before the write so jalr rd, 0(rd) works.
		target := (rs1 + uint32(insn.Imm)) &^ 1
		i.setReg(insn.Rd, pc+4)
		return target, nil

	case OpBeq:
		if rs1 == rs2 {
			return pc + uint32(insn.Imm), nil
		}
	case OpBne:
		if rs1 != rs2 {
			return pc + uint32(insn.Imm), nil
		}
	case OpBlt:
		if int32(rs1) < int32(rs2) {
			return pc + uint32(insn.Imm), nil
		}
	case OpBge:
		if int32(rs1) >= int32(rs2) {
			return pc + uint32(insn.Imm), nil
		}
	case OpBltu:
		if rs1 < rs2 {
			return pc + uint32(insn.Imm), nil
		}
	case OpBgeu:
		if rs1 >= rs2 {
			return pc + uint32(insn.Imm), nil
		}

	case OpLb:
		v, err := i.mem.ReadUint8(rs1 + uint32(insn.Imm))
		if err != nil {
			return 0, err
		}
		i.setReg(insn.Rd, uint32(int32(int8(v))))
	case OpLh:
		v, err := i.mem.ReadUint16(rs1 + uint32(insn.Imm))
		if err != nil {
			return 0, err
		}
		i.setReg(insn.Rd, uint32(int32(int16(v))))
	case OpLw:
		v, err := i.mem.ReadUint32(rs1 + uint32(insn.Imm))
		if err != nil {
			return 0, err
		}
		i.setReg(insn.Rd, v)
	case OpLbu:
		v, err := i.mem.ReadUint8(rs1 + uint32(insn.Imm))
		if err != nil {
			return 0, err
		}
		i.setReg(insn.Rd, uint32(v))
	case OpLhu:
		v, err := i.mem.ReadUint16(rs1 + uint32(insn.Imm))
		if err != nil {
			return 0, err
		}
		i.setReg(insn.Rd, uint32(v))

	case OpSb:
		if err := i.mem.WriteUint8(rs1+uint32(insn.Imm), uint8(rs2)); err != nil {
			return 0, err
		}
	case OpSh:
		if err := i.mem.WriteUint16(rs1+uint32(insn.Imm), uint16(rs2)); err != nil {
			return 0, err
		}
	case OpSw:
		if err := i.mem.WriteUint32(rs1+uint32(insn.Imm), rs2); err != nil {
			return 0, err
		}

	case OpAddi:
		i.setReg(insn.Rd, rs1+uint32(insn.Imm))
	case OpSlti:
		if int32(rs1) < insn.Imm {
			i.setReg(insn.Rd, 1)
		} else {
			i.setReg(insn.Rd, 0)
		}
	case OpSltiu:
		if rs1 < uint32(insn.Imm) {
			i.setReg(insn.Rd, 1)
		} else {
			i.setReg(insn.Rd, 0)
		}
	case OpXori:
		i.setReg(insn.Rd, rs1^uint32(insn.Imm))
	case OpOri:
		i.setReg(insn.Rd, rs1|uint32(insn.Imm))
	case OpAndi:
		i.setReg(insn.Rd, rs1&uint32(insn.Imm))
	case OpSlli:
		i.setReg(insn.Rd, rs1<<uint32(insn.Imm))
	case OpSrli:
		i.setReg(insn.Rd, rs1>>uint32(insn.Imm))
	case OpSrai:
		i.setReg(insn.Rd, uint32(int32(rs1)>>uint32(insn.Imm)))

	case OpAdd:
		i.setReg(insn.Rd, rs1+rs2)
	case OpSub:
		i.setReg(insn.Rd, rs1-rs2)
	case OpSll:
		i.setReg(insn.Rd, rs1<<(rs2&31))
	case OpSlt:
		if int32(rs1) < int32(rs2) {
			i.setReg(insn.Rd, 1)
		} else {
			i.setReg(insn.Rd, 0)
		}
	case OpSltu:
		if rs1 < rs2 {
			i.setReg(insn.Rd, 1)
		} else {
			i.setReg(insn.Rd, 0)
		}
	case OpXor:
		i.setReg(insn.Rd, rs1^rs2)
	case OpSrl:
		i.setReg(insn.Rd, rs1>>(rs2&31))
	case OpSra:
		i.setReg(insn.Rd, uint32(int32(rs1)>>(rs2&31)))
	case OpOr:
		i.setReg(insn.Rd, rs1|rs2)
	case OpAnd:
		i.setReg(insn.Rd, rs1&rs2)

	case OpMul:
		i.setReg(insn.Rd, rs1*rs2)
	case OpMulh:
		i.setReg(insn.Rd, uint32(uint64(int64(int32(rs1))*int64(int32(rs2)))>>32))
	case OpMulhsu:
		i.setReg(insn.Rd, uint32(uint64(int64(int32(rs1))*int64(rs2))>>32))
	case OpMulhu:
		i.setReg(insn.Rd, uint32(uint64(rs1)*uint64(rs2)>>32))
	case OpDiv:
		switch {
		case rs2 == 0:
			i.setReg(insn.Rd, math.MaxUint32)
		case int32(rs1) == math.MinInt32 && int32(rs2) == -1:
			i.setReg(insn.Rd, rs1)
		default:
			i.setReg(insn.Rd, uint32(int32(rs1)/int32(rs2)))
		}
	case OpDivu:
		if rs2 == 0 {
			i.setReg(insn.Rd, math.MaxUint32)
		} else {
			i.setReg(insn.Rd, rs1/rs2)
		}
	case OpRem:
		switch {
		case rs2 == 0:
			i.setReg(insn.Rd, rs1)
		case int32(rs1) == math.MinInt32 && int32(rs2) == -1:
			i.setReg(insn.Rd, 0)
		default:
			i.setReg(insn.Rd, uint32(int32(rs1)%int32(rs2)))
		}
	case OpRemu:
		if rs2 == 0 {
			i.setReg(insn.Rd, rs1)
		} else {
			i.setReg(insn.Rd, rs1%rs2)
		}

	case OpFence:
		// Single-threaded guest: memory ordering is trivially satisfied.
	}

	return pc + 4, nil
}
