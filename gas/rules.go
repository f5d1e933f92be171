package gas

import (
	"strconv"
	"strings"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Class groups instructions that share a metering cost. The grouping
// follows the conventional contract-runtime rule set: arithmetic is split
// by expense tier, memory access by direction, and control flow is one
// bucket.
type Class string

const (
	ClassBit         Class = "bit"
	ClassAdd         Class = "add"
	ClassMul         Class = "mul"
	ClassDiv         Class = "div"
	ClassLoad        Class = "load"
	ClassStore       Class = "store"
	ClassConst       Class = "const"
	ClassLocal       Class = "local"
	ClassGlobal      Class = "global"
	ClassFlow        Class = "flow"
	ClassIntegerComp Class = "integer_comp"
	ClassFloatComp   Class = "float_comp"
	ClassNumeric     Class = "numeric"
	ClassConversion  Class = "conversion"
	ClassReinterpret Class = "reinterpret"
	ClassUnreachable Class = "unreachable"
	ClassNop         Class = "nop"
	ClassCurrentMem  Class = "current_mem"
	ClassGrowMem     Class = "grow_mem"
	ClassBulkMem     Class = "bulk_mem"
	ClassCall        Class = "call"
	ClassCallInd     Class = "call_indirect"
)

// AllClasses lists every class a cost table may need an entry for.
var AllClasses = []Class{
	ClassBit, ClassAdd, ClassMul, ClassDiv, ClassLoad, ClassStore,
	ClassConst, ClassLocal, ClassGlobal, ClassFlow, ClassIntegerComp,
	ClassFloatComp, ClassNumeric, ClassConversion, ClassReinterpret,
	ClassUnreachable, ClassNop, ClassCurrentMem, ClassGrowMem,
	ClassBulkMem, ClassCall, ClassCallInd,
}

// CostTable assigns a cost to each instruction class. An instruction whose
// class has no entry is a configuration error at injection time, never a
// silent default.
type CostTable struct {
	Costs map[Class]uint32

	// ForbidFloats rejects modules containing any floating point
	// instruction instead of costing them.
	ForbidFloats bool
}

// UniformTable returns a table charging the same cost for every class.
func UniformTable(cost uint32) *CostTable {
	costs := make(map[Class]uint32, len(AllClasses))
	for _, c := range AllClasses {
		costs[c] = cost
	}
	return &CostTable{Costs: costs}
}

// ParseEntries parses a comma-separated "class=cost" list, e.g.
// "add=2,mul=7,call=135". Unknown class names and malformed entries are
// configuration errors.
func ParseEntries(s string) (map[Class]uint32, error) {
	out := make(map[Class]uint32)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	known := make(map[Class]struct{}, len(AllClasses))
	for _, c := range AllClasses {
		known[c] = struct{}{}
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			return nil, errors.Config("malformed cost entry %q, want class=cost", entry)
		}
		class := Class(parts[0])
		if _, ok := known[class]; !ok {
			return nil, errors.Config("unknown instruction class %q", parts[0])
		}
		cost, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, errors.Config("invalid cost %q for class %q", parts[1], parts[0])
		}
		out[class] = uint32(cost)
	}
	return out, nil
}

// WithEntries returns a copy of the table with the given costs overriding
// existing entries.
func (t *CostTable) WithEntries(entries map[Class]uint32) *CostTable {
	costs := make(map[Class]uint32, len(t.Costs)+len(entries))
	for c, v := range t.Costs {
		costs[c] = v
	}
	for c, v := range entries {
		costs[c] = v
	}
	return &CostTable{Costs: costs, ForbidFloats: t.ForbidFloats}
}

// Cost returns the metering cost of one instruction. end and else carry
// no cost of their own; they only delimit runs. The error identifies the
// class so an operator can extend the table.
func (t *CostTable) Cost(instr wasm.Instruction) (uint64, error) {
	if instr.Opcode == wasm.OpEnd || instr.Opcode == wasm.OpElse {
		return 0, nil
	}
	class, ok := classify(instr)
	if !ok {
		return 0, errors.Unsupported(errors.PhaseGas, "no metering class for opcode 0x%02x", instr.Opcode)
	}
	if t.ForbidFloats && isFloat(instr) {
		return 0, errors.Unsupported(errors.PhaseGas, "floating point instruction 0x%02x is forbidden", instr.Opcode)
	}
	cost, ok := t.Costs[class]
	if !ok {
		return 0, errors.MissingCost(string(class))
	}
	return uint64(cost), nil
}

func classify(instr wasm.Instruction) (Class, bool) {
	op := instr.Opcode
	switch {
	case op == wasm.OpUnreachable:
		return ClassUnreachable, true
	case op == wasm.OpNop:
		return ClassNop, true
	case op == wasm.OpBlock, op == wasm.OpLoop, op == wasm.OpIf,
		op == wasm.OpBr, op == wasm.OpBrIf, op == wasm.OpBrTable,
		op == wasm.OpReturn, op == wasm.OpDrop, op == wasm.OpSelect:
		return ClassFlow, true
	case op == wasm.OpCall:
		return ClassCall, true
	case op == wasm.OpCallIndirect:
		return ClassCallInd, true
	case op >= wasm.OpLocalGet && op <= wasm.OpLocalTee:
		return ClassLocal, true
	case op == wasm.OpGlobalGet, op == wasm.OpGlobalSet:
		return ClassGlobal, true
	case op >= wasm.OpI32Load && op <= wasm.OpI64Load32U:
		return ClassLoad, true
	case op >= wasm.OpI32Store && op <= wasm.OpI64Store32:
		return ClassStore, true
	case op == wasm.OpMemorySize:
		return ClassCurrentMem, true
	case op == wasm.OpMemoryGrow:
		return ClassGrowMem, true
	case op >= wasm.OpI32Const && op <= wasm.OpF64Const:
		return ClassConst, true
	case op >= wasm.OpI32Eqz && op <= wasm.OpI64GeU:
		return ClassIntegerComp, true
	case op >= wasm.OpF32Eq && op <= wasm.OpF64Ge:
		return ClassFloatComp, true
	case op == wasm.OpI32Add, op == wasm.OpI32Sub,
		op == wasm.OpI64Add, op == wasm.OpI64Sub:
		return ClassAdd, true
	case op == wasm.OpI32Mul, op == wasm.OpI64Mul:
		return ClassMul, true
	case op >= wasm.OpI32DivS && op <= wasm.OpI32RemU,
		op >= wasm.OpI64DivS && op <= wasm.OpI64RemU:
		return ClassDiv, true
	case op >= wasm.OpI32And && op <= wasm.OpI32Rotr,
		op >= wasm.OpI64And && op <= wasm.OpI64Rotr,
		op == wasm.OpI32Clz, op == wasm.OpI32Ctz, op == wasm.OpI32Popcnt,
		op == wasm.OpI64Clz, op == wasm.OpI64Ctz, op == wasm.OpI64Popcnt:
		return ClassBit, true
	case op >= wasm.OpF32Abs && op <= wasm.OpF64Copysign:
		return ClassNumeric, true
	case op >= wasm.OpI32WrapI64 && op <= wasm.OpF64PromoteF32:
		return ClassConversion, true
	case op >= wasm.OpI32ReinterpretF32 && op <= wasm.OpF64ReinterpretI64:
		return ClassReinterpret, true
	case op >= wasm.OpI32Extend8S && op <= wasm.OpI64Extend32S:
		return ClassConversion, true
	case op == wasm.OpPrefixMisc:
		imm, ok := instr.Imm.(wasm.MiscImm)
		if !ok {
			return "", false
		}
		if imm.SubOpcode <= wasm.MiscI64TruncSatF64U {
			return ClassConversion, true
		}
		return ClassBulkMem, true
	}
	return "", false
}

// isFloat reports whether the instruction operates on or produces
// floating point values.
func isFloat(instr wasm.Instruction) bool {
	op := instr.Opcode
	switch {
	case op == wasm.OpF32Load, op == wasm.OpF64Load,
		op == wasm.OpF32Store, op == wasm.OpF64Store,
		op == wasm.OpF32Const, op == wasm.OpF64Const:
		return true
	case op >= wasm.OpF32Eq && op <= wasm.OpF64Ge:
		return true
	case op >= wasm.OpF32Abs && op <= wasm.OpF64Copysign:
		return true
	case op >= wasm.OpI32TruncF32S && op <= wasm.OpI32TruncF64U,
		op >= wasm.OpI64TruncF32S && op <= wasm.OpI64TruncF64U:
		return true
	case op >= wasm.OpF32ConvertI32S && op <= wasm.OpF64PromoteF32:
		return true
	case op >= wasm.OpI32ReinterpretF32 && op <= wasm.OpF64ReinterpretI64:
		return true
	case op == wasm.OpPrefixMisc:
		imm, ok := instr.Imm.(wasm.MiscImm)
		return ok && imm.SubOpcode <= wasm.MiscI64TruncSatF64U
	}
	return false
}
