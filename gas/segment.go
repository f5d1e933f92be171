package gas

import (
	"math"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// segment is a maximal straight-line run of instructions with its
// accumulated cost. Start is the index of the run's first instruction in
// the body; the charge call pair is inserted there.
type segment struct {
	cost  uint64
	start int
}

// segments splits a body into metering runs. A run begins at function
// entry and after every control boundary: block, loop, if, else, end and
// the branching instructions (br, br_if, br_table, return, unreachable).
// Every instruction inside a run executes whenever the run is entered, so
// a single upfront charge at the run start covers it exactly. A run
// starting inside a loop body is charged again on every iteration.
//
// Runs with zero cost produce no segment.
func segments(body []wasm.Instruction, table *CostTable) ([]segment, error) {
	var segs []segment
	cur := segment{start: 0}

	flush := func(next int) {
		if cur.cost > 0 {
			segs = append(segs, cur)
		}
		cur = segment{start: next}
	}

	for i, instr := range body {
		cost, err := table.Cost(instr)
		if err != nil {
			return nil, err
		}
		if cur.cost > math.MaxUint64-cost {
			return nil, errors.New(errors.PhaseGas, errors.KindOverflow).
				Detail("run cost overflows at instruction %d", i).
				Build()
		}
		cur.cost += cost

		switch instr.Opcode {
		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf,
			wasm.OpElse, wasm.OpEnd,
			wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable,
			wasm.OpReturn, wasm.OpUnreachable:
			flush(i + 1)
		}
	}
	flush(len(body))
	return segs, nil
}
