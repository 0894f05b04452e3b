package vm

// CostTable assigns a gas cost to every operation. Costs are charged
// before an instruction executes; an instruction whose cost exceeds the
// remaining gas leaves the instance state untouched so the call can be
// resumed after refueling.
type CostTable [opCount]uint64

// Gas cost classes. Values are relative weights, not cycle counts:
// loads and stores pay for the bounds check, multiplies and divides for
// the wider arithmetic, and ECALL for crossing into the host.
const (
	costALU     = 1
	costMemory  = 2
	costMul     = 4
	costDiv     = 16
	costSyscall = 32
)

// DefaultCosts returns the standard cost table.
func DefaultCosts() CostTable {
	var t CostTable
	for op := Op(0); op < opCount; op++ {
		t[op] = costALU
	}
	for _, op := range []Op{OpLb, OpLh, OpLw, OpLbu, OpLhu, OpSb, OpSh, OpSw} {
		t[op] = costMemory
	}
	for _, op := range []Op{OpMul, OpMulh, OpMulhsu, OpMulhu} {
		t[op] = costMul
	}
	for _, op := range []Op{OpDiv, OpDivu, OpRem, OpRemu} {
		t[op] = costDiv
	}
	t[OpEcall] = costSyscall
	t[OpUnsupported] = 0 // traps before gas is charged
	return t
}

// Cost returns the gas cost for op.
func (t CostTable) Cost(op Op) uint64 {
	if op >= opCount {
		return 0
	}
	return t[op]
}
