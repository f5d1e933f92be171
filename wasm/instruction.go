package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-instrument/wasm/internal/binary"
)

// Instruction is a single decoded instruction. Imm holds the typed
// immediate for opcodes that carry one, nil otherwise.
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm is the immediate for block, loop and if. Type is the encoded
// block type: BlockTypeVoid or the negated value type byte.
type BlockImm struct {
	Type int32
}

// BranchImm is the immediate for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm is the immediate for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm is the immediate for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm is the immediate for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm is the immediate for local.get, local.set and local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm is the immediate for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm is the immediate for loads and stores.
type MemoryImm struct {
	Offset uint64
	Align  uint32
}

// MemOpImm is the immediate for memory.size and memory.grow.
type MemOpImm struct {
	MemIdx byte
}

// I32Imm is the immediate for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm is the immediate for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm is the immediate for f32.const.
type F32Imm struct {
	Value float32
}

// F64Imm is the immediate for f64.const.
type F64Imm struct {
	Value float64
}

// MiscImm is the immediate for 0xFC prefixed instructions. Operands holds
// the trailing u32 immediates in encoding order.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// Convenience constructors used by the rewriting passes.

// I32Const returns an i32.const instruction.
func I32Const(v int32) Instruction {
	return Instruction{Opcode: OpI32Const, Imm: I32Imm{Value: v}}
}

// Call returns a call instruction.
func Call(funcIdx uint32) Instruction {
	return Instruction{Opcode: OpCall, Imm: CallImm{FuncIdx: funcIdx}}
}

// GlobalGet returns a global.get instruction.
func GlobalGet(globalIdx uint32) Instruction {
	return Instruction{Opcode: OpGlobalGet, Imm: GlobalImm{GlobalIdx: globalIdx}}
}

// GlobalSet returns a global.set instruction.
func GlobalSet(globalIdx uint32) Instruction {
	return Instruction{Opcode: OpGlobalSet, Imm: GlobalImm{GlobalIdx: globalIdx}}
}

// LocalGet returns a local.get instruction.
func LocalGet(localIdx uint32) Instruction {
	return Instruction{Opcode: OpLocalGet, Imm: LocalImm{LocalIdx: localIdx}}
}

// End returns an end instruction.
func End() Instruction {
	return Instruction{Opcode: OpEnd}
}

// IsBlockStart reports whether the opcode opens a new control frame.
func (i Instruction) IsBlockStart() bool {
	return i.Opcode == OpBlock || i.Opcode == OpLoop || i.Opcode == OpIf
}

// decodeInstruction reads one instruction from r.
func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}

	instr := Instruction{Opcode: op}

	switch op {
	case OpBlock, OpLoop, OpIf:
		bt, err := r.ReadS32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = BlockImm{Type: bt}

	case OpBr, OpBrIf:
		label, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = BranchImm{LabelIdx: label}

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		labels := make([]uint32, count)
		for j := range labels {
			if labels[j], err = r.ReadU32(); err != nil {
				return Instruction{}, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case OpMemorySize, OpMemoryGrow:
		memIdx, err := r.ReadByte()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = MemOpImm{MemIdx: memIdx}

	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = I32Imm{Value: v}

	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = I64Imm{Value: v}

	case OpF32Const:
		v, err := r.ReadF32()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = F32Imm{Value: v}

	case OpF64Const:
		v, err := r.ReadF64()
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = F64Imm{Value: v}

	case OpPrefixMisc:
		imm, err := decodeMiscImm(r)
		if err != nil {
			return Instruction{}, err
		}
		instr.Imm = imm

	default:
		if isMemoryOp(op) {
			align, err := r.ReadU32()
			if err != nil {
				return Instruction{}, err
			}
			offset, err := r.ReadU64()
			if err != nil {
				return Instruction{}, err
			}
			instr.Imm = MemoryImm{Align: align, Offset: offset}
			break
		}
		if !isPlainOp(op) {
			return Instruction{}, fmt.Errorf("unsupported opcode 0x%02x", op)
		}
	}

	return instr, nil
}

func decodeMiscImm(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}

	var operandCount int
	switch sub {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U, MiscI32TruncSatF64S, MiscI32TruncSatF64U,
		MiscI64TruncSatF32S, MiscI64TruncSatF32U, MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		operandCount = 0
	case MiscDataDrop, MiscElemDrop:
		operandCount = 1
	case MiscMemoryInit, MiscMemoryCopy, MiscMemoryFill, MiscTableInit, MiscTableCopy:
		operandCount = 2
	default:
		return MiscImm{}, fmt.Errorf("unsupported misc opcode 0xFC %d", sub)
	}

	// memory.fill carries a single memory index but still uses two bytes
	// for copy (dst, src). Normalize to the raw operand list.
	if sub == MiscMemoryFill {
		operandCount = 1
	}

	if operandCount == 0 {
		return MiscImm{SubOpcode: sub}, nil
	}
	operands := make([]uint32, operandCount)
	for i := range operands {
		if operands[i], err = r.ReadU32(); err != nil {
			return MiscImm{}, err
		}
	}
	return MiscImm{SubOpcode: sub, Operands: operands}, nil
}

// isMemoryOp reports whether the opcode is a load or store with a memarg.
func isMemoryOp(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

// isPlainOp reports whether the opcode is a known immediate-free instruction.
func isPlainOp(op byte) bool {
	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn:
		return true
	case op == OpDrop, op == OpSelect:
		return true
	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return true
	}
	return false
}

// DecodeInstructions reads instructions until the expression's closing end.
// The terminating end is included in the result. Nested blocks are tracked
// by depth so the outermost end closes the sequence.
func DecodeInstructions(r *binary.Reader) ([]Instruction, error) {
	var instrs []Instruction
	depth := 0
	for {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
		switch {
		case instr.IsBlockStart():
			depth++
		case instr.Opcode == OpEnd:
			if depth == 0 {
				return instrs, nil
			}
			depth--
		}
	}
}

// EncodeInstruction writes one instruction to w.
func EncodeInstruction(w *binary.Writer, instr Instruction) {
	w.Byte(instr.Opcode)

	switch imm := instr.Imm.(type) {
	case BlockImm:
		w.WriteS32(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case MemoryImm:
		w.WriteU32(imm.Align)
		w.WriteU64(imm.Offset)
	case MemOpImm:
		w.Byte(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteF32(imm.Value)
	case F64Imm:
		w.WriteF64(imm.Value)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, op := range imm.Operands {
			w.WriteU32(op)
		}
	}
}

// EncodeInstructions writes an instruction sequence to w.
func EncodeInstructions(w *binary.Writer, instrs []Instruction) {
	for _, instr := range instrs {
		EncodeInstruction(w, instr)
	}
}
