package stackheight

import (
	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// maxOperandHeight simulates the operand stack over a function body and
// returns the maximum height reached. The simulation tracks control
// frames so that else resets to the frame entry height, end restores the
// frame entry height plus the block's result arity, and code after an
// unconditional transfer is skipped until the enclosing frame closes.
//
// Core profile blocks carry no parameters, so frame entry heights are
// exact. Type information beyond push and pop counts is not modeled; the
// module is assumed to validate.
func maxOperandHeight(m *wasm.Module, funcIdx uint32, body []wasm.Instruction) (uint32, error) {
	ft := m.GetFuncType(funcIdx)
	if ft == nil {
		return 0, errors.InvalidIndex("function", funcIdx, uint32(m.NumFuncs()))
	}

	type frame struct {
		start       int
		results     int
		unreachable bool
	}

	frames := []frame{{start: 0, results: len(ft.Results)}}
	cur, max := 0, 0

	fail := func(i int, msg string) error {
		return errors.New(errors.PhaseStackHeight, errors.KindInvalidData).
			Func(funcIdx).
			Detail("%s at instruction %d", msg, i).
			Build()
	}

	blockArity := func(imm interface{}) int {
		bi, ok := imm.(wasm.BlockImm)
		if !ok || bi.Type == wasm.BlockTypeVoid {
			return 0
		}
		return 1
	}

	for i, instr := range body {
		top := &frames[len(frames)-1]

		if top.unreachable {
			switch instr.Opcode {
			case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
				frames = append(frames, frame{start: cur, unreachable: true})
			case wasm.OpElse:
				// The else arm is reachable even when the then arm
				// transferred out.
				cur = top.start
				top.unreachable = false
			case wasm.OpEnd:
				cur = top.start + top.results
				frames = frames[:len(frames)-1]
				if len(frames) == 0 {
					if i != len(body)-1 {
						return 0, fail(i, "body continues past final end")
					}
					return uint32(max), nil
				}
			}
			continue
		}

		switch instr.Opcode {
		case wasm.OpBlock, wasm.OpLoop:
			frames = append(frames, frame{start: cur, results: blockArity(instr.Imm)})
		case wasm.OpIf:
			cur--
			frames = append(frames, frame{start: cur, results: blockArity(instr.Imm)})
		case wasm.OpElse:
			cur = top.start
		case wasm.OpEnd:
			cur = top.start + top.results
			frames = frames[:len(frames)-1]
			if len(frames) == 0 {
				if i != len(body)-1 {
					return 0, fail(i, "body continues past final end")
				}
				return uint32(max), nil
			}
			continue
		case wasm.OpBr:
			top.unreachable = true
		case wasm.OpBrIf:
			cur--
		case wasm.OpBrTable:
			cur--
			top.unreachable = true
		case wasm.OpReturn, wasm.OpUnreachable:
			top.unreachable = true
		case wasm.OpCall:
			imm := instr.Imm.(wasm.CallImm)
			callee := m.GetFuncType(imm.FuncIdx)
			if callee == nil {
				return 0, errors.InvalidIndex("function", imm.FuncIdx, uint32(m.NumFuncs()))
			}
			cur += len(callee.Results) - len(callee.Params)
		case wasm.OpCallIndirect:
			imm := instr.Imm.(wasm.CallIndirectImm)
			if int(imm.TypeIdx) >= len(m.Types) {
				return 0, errors.InvalidIndex("type", imm.TypeIdx, uint32(len(m.Types)))
			}
			callee := m.Types[imm.TypeIdx]
			cur += len(callee.Results) - len(callee.Params) - 1
		default:
			pushes, pops, known := stackEffect(instr)
			if !known {
				return 0, fail(i, "no stack effect for opcode")
			}
			cur += pushes - pops
		}

		if cur < 0 {
			return 0, fail(i, "operand stack underflow")
		}
		if cur > max {
			max = cur
		}
	}

	return 0, errors.New(errors.PhaseStackHeight, errors.KindInvalidData).
		Func(funcIdx).
		Detail("body has no terminating end").
		Build()
}

// stackEffect returns the push and pop counts of an instruction outside
// control flow and calls, which the simulation handles directly.
func stackEffect(instr wasm.Instruction) (pushes, pops int, known bool) {
	op := instr.Opcode
	switch {
	case op == wasm.OpNop:
		return 0, 0, true
	case op == wasm.OpDrop:
		return 0, 1, true
	case op == wasm.OpSelect:
		return 1, 3, true
	case op == wasm.OpLocalGet:
		return 1, 0, true
	case op == wasm.OpLocalSet:
		return 0, 1, true
	case op == wasm.OpLocalTee:
		return 1, 1, true
	case op == wasm.OpGlobalGet:
		return 1, 0, true
	case op == wasm.OpGlobalSet:
		return 0, 1, true
	case op >= wasm.OpI32Load && op <= wasm.OpI64Load32U:
		return 1, 1, true
	case op >= wasm.OpI32Store && op <= wasm.OpI64Store32:
		return 0, 2, true
	case op == wasm.OpMemorySize:
		return 1, 0, true
	case op == wasm.OpMemoryGrow:
		return 1, 1, true
	case op >= wasm.OpI32Const && op <= wasm.OpF64Const:
		return 1, 0, true
	case op == wasm.OpI32Eqz, op == wasm.OpI64Eqz:
		return 1, 1, true
	case op >= wasm.OpI32Eq && op <= wasm.OpF64Ge:
		// Binary comparisons (eqz handled above).
		return 1, 2, true
	case op == wasm.OpI32Clz, op == wasm.OpI32Ctz, op == wasm.OpI32Popcnt,
		op == wasm.OpI64Clz, op == wasm.OpI64Ctz, op == wasm.OpI64Popcnt:
		return 1, 1, true
	case op >= wasm.OpI32Add && op <= wasm.OpI32Rotr,
		op >= wasm.OpI64Add && op <= wasm.OpI64Rotr:
		return 1, 2, true
	case op == wasm.OpF32Abs, op == wasm.OpF32Neg, op == wasm.OpF32Ceil,
		op == wasm.OpF32Floor, op == wasm.OpF32Trunc, op == wasm.OpF32Nearest,
		op == wasm.OpF32Sqrt:
		return 1, 1, true
	case op >= wasm.OpF32Add && op <= wasm.OpF32Copysign:
		return 1, 2, true
	case op == wasm.OpF64Abs, op == wasm.OpF64Neg, op == wasm.OpF64Ceil,
		op == wasm.OpF64Floor, op == wasm.OpF64Trunc, op == wasm.OpF64Nearest,
		op == wasm.OpF64Sqrt:
		return 1, 1, true
	case op >= wasm.OpF64Add && op <= wasm.OpF64Copysign:
		return 1, 2, true
	case op >= wasm.OpI32WrapI64 && op <= wasm.OpF64ReinterpretI64:
		// Conversions and reinterpretations are all unary.
		return 1, 1, true
	case op >= wasm.OpI32Extend8S && op <= wasm.OpI64Extend32S:
		return 1, 1, true
	case op == wasm.OpPrefixMisc:
		imm, ok := instr.Imm.(wasm.MiscImm)
		if !ok {
			return 0, 0, false
		}
		switch imm.SubOpcode {
		case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U,
			wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U,
			wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U,
			wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
			return 1, 1, true
		case wasm.MiscMemoryInit, wasm.MiscMemoryCopy, wasm.MiscMemoryFill,
			wasm.MiscTableInit, wasm.MiscTableCopy:
			return 0, 3, true
		case wasm.MiscDataDrop, wasm.MiscElemDrop:
			return 0, 0, true
		}
	}
	return 0, 0, false
}
