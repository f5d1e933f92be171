package stackheight

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Config controls stack height limiting.
type Config struct {
	// Limit is the maximum combined frame contribution a call chain may
	// reach. Required, positive.
	Limit uint32

	// AbortModule and AbortField name the trap import invoked when the
	// limit is exceeded. The import takes nothing and returns nothing.
	AbortModule string
	AbortField  string

	// ExportHeight, when non-empty, exports the height counter global
	// under this name so the host can observe it.
	ExportHeight string
}

// DefaultAbortModule and DefaultAbortField name the conventional host
// trap function.
const (
	DefaultAbortModule = "env"
	DefaultAbortField  = "stack_overflow"
)

// WithDefaults fills unset fields with the conventional values.
func (c Config) WithDefaults() Config {
	if c.AbortModule == "" {
		c.AbortModule = DefaultAbortModule
	}
	if c.AbortField == "" {
		c.AbortField = DefaultAbortField
	}
	return c
}

// Report describes the static analysis results.
type Report struct {
	// Contributions holds each defined function's own frame cost:
	// parameters, declared locals and maximum operand stack height.
	Contributions map[uint32]uint32

	// WorstChain is the largest whole-chain bound over all functions,
	// composed through the acyclic call graph.
	WorstChain uint32
}

// Limit rewrites every defined function to account its frame contribution
// against a shared height counter on entry and release it on every return
// path. When the counter would exceed the configured limit the abort
// import is invoked. Modules whose call graph contains a cycle are
// rejected; a static bound does not exist for them.
//
// The module is modified in place; on error it must be discarded.
func Limit(m *wasm.Module, cfg Config, log *zap.Logger) (*Report, error) {
	cfg = cfg.WithDefaults()
	if cfg.Limit == 0 {
		return nil, errors.Config("stackheight: limit must be positive")
	}
	if cfg.Limit > math.MaxInt32 {
		return nil, errors.Config("stackheight: limit %d does not fit i32", cfg.Limit)
	}
	if log == nil {
		log = zap.NewNop()
	}

	abortIdx, err := ensureAbortImport(m, cfg)
	if err != nil {
		return nil, err
	}

	report, err := analyze(m, cfg.Limit)
	if err != nil {
		return nil, err
	}

	heightIdx := m.AddGlobal(wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: []wasm.Instruction{wasm.I32Const(0), wasm.End()},
	})

	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		own := report.Contributions[funcIdx]
		if own == 0 {
			continue
		}
		bt := resultBlockType(m.GetFuncType(funcIdx))
		m.Code[i].Instrs = instrument(m.Code[i].Instrs, bt, own, cfg.Limit, heightIdx, abortIdx)
	}

	if cfg.ExportHeight != "" {
		if _, taken := m.ExportByName(cfg.ExportHeight); taken {
			return nil, errors.Config("stackheight: export name %q is taken", cfg.ExportHeight)
		}
		m.Exports = append(m.Exports, wasm.Export{
			Name: cfg.ExportHeight,
			Kind: wasm.KindGlobal,
			Idx:  heightIdx,
		})
	}

	log.Debug("stack height limiting injected",
		zap.Uint32("limit", cfg.Limit),
		zap.Uint32("worst_chain", report.WorstChain),
		zap.Uint32("height_global", heightIdx))
	return report, nil
}

func abortType() wasm.FuncType {
	return wasm.FuncType{}
}

func ensureAbortImport(m *wasm.Module, cfg Config) (uint32, error) {
	want := abortType()

	if idx, ok := m.FuncImportIndex(cfg.AbortModule, cfg.AbortField); ok {
		got := m.GetFuncType(idx)
		if got == nil || !got.Equal(want) {
			return 0, errors.ImportCollision(errors.PhaseStackHeight, cfg.AbortModule, cfg.AbortField,
				"existing import does not have signature () -> ()")
		}
		return idx, nil
	}
	if _, ok := m.ImportByName(cfg.AbortModule, cfg.AbortField); ok {
		return 0, errors.ImportCollision(errors.PhaseStackHeight, cfg.AbortModule, cfg.AbortField,
			"name is taken by a non-function import")
	}

	typeIdx := m.AddType(want)
	idx := m.AddFuncImport(cfg.AbortModule, cfg.AbortField, typeIdx)
	m.RemapFunctions(func(old uint32) uint32 {
		if old >= idx {
			return old + 1
		}
		return old
	})
	return idx, nil
}

// analyze computes per-function contributions and the whole-chain bound.
// Cycles in the call graph are rejected before any bound is emitted.
func analyze(m *wasm.Module, limit uint32) (*Report, error) {
	numImported := uint32(m.NumImportedFuncs())
	contributions := make(map[uint32]uint32, len(m.Code))

	var largest uint32
	var largestFunc uint32
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		ft := m.GetFuncType(funcIdx)
		if ft == nil {
			return nil, errors.InvalidIndex("function", funcIdx, uint32(m.NumFuncs()))
		}
		operands, err := maxOperandHeight(m, funcIdx, m.Code[i].Instrs)
		if err != nil {
			return nil, err
		}
		own := uint32(len(ft.Params)) + m.Code[i].NumLocals() + operands
		contributions[funcIdx] = own
		if own > largest {
			largest, largestFunc = own, funcIdx
		}
	}

	if limit < largest {
		return nil, errors.LimitTooSmall(limit, largest, largestFunc)
	}

	g := buildCallGraph(m)
	components := g.sccs()

	// Components arrive callee-first, so every bound a component needs
	// is already final.
	bounds := make([]uint64, m.NumFuncs())
	var worst uint64
	for _, comp := range components {
		if len(comp) > 1 || g.hasSelfLoop(comp[0]) {
			cycle := append([]uint32(nil), comp...)
			sort.Slice(cycle, func(a, b int) bool { return cycle[a] < cycle[b] })
			return nil, errors.Recursion(cycle)
		}
		f := comp[0]
		var deepest uint64
		for _, callee := range g.edges[f] {
			if bounds[callee] > deepest {
				deepest = bounds[callee]
			}
		}
		bounds[f] = uint64(contributions[f]) + deepest
		if bounds[f] > worst {
			worst = bounds[f]
		}
	}
	if worst > math.MaxUint32 {
		return nil, errors.New(errors.PhaseStackHeight, errors.KindOverflow).
			Detail("whole-chain bound %d overflows u32", worst).
			Build()
	}

	return &Report{Contributions: contributions, WorstChain: uint32(worst)}, nil
}

// resultBlockType returns the encoded block type matching the function's
// results. Function types in this profile carry at most one result.
func resultBlockType(ft *wasm.FuncType) int32 {
	if ft == nil || len(ft.Results) == 0 {
		return wasm.BlockTypeVoid
	}
	return int32(ft.Results[0]) - 0x80
}

// instrument rewrites a body so the function's contribution is added to
// the height counter on entry, checked against the limit, and subtracted
// on every return path. The original body is wrapped in a block typed
// like the function's results: a br, br_if or br_table that targets the
// function frame lands on the block's end and falls through to the
// subtraction, while an explicit return keeps its own copy of it.
func instrument(body []wasm.Instruction, blockType int32, own, limit, heightIdx, abortIdx uint32) []wasm.Instruction {
	prologue := []wasm.Instruction{
		wasm.GlobalGet(heightIdx),
		wasm.I32Const(int32(own)),
		{Opcode: wasm.OpI32Add},
		wasm.GlobalSet(heightIdx),
		wasm.GlobalGet(heightIdx),
		wasm.I32Const(int32(limit)),
		{Opcode: wasm.OpI32GtU},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.Call(abortIdx),
		{Opcode: wasm.OpUnreachable},
		wasm.End(),
	}
	epilogue := []wasm.Instruction{
		wasm.GlobalGet(heightIdx),
		wasm.I32Const(int32(own)),
		{Opcode: wasm.OpI32Sub},
		wasm.GlobalSet(heightIdx),
	}

	out := make([]wasm.Instruction, 0, len(body)+len(prologue)+2*len(epilogue)+2)
	out = append(out, prologue...)
	out = append(out, wasm.Instruction{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: blockType}})
	// The body's terminating end closes the wrapping block; label indices
	// inside the body keep their meaning, with the function frame now one
	// level further out.
	for _, instr := range body {
		if instr.Opcode == wasm.OpReturn {
			out = append(out, epilogue...)
		}
		out = append(out, instr)
	}
	out = append(out, epilogue...)
	out = append(out, wasm.End())
	return out
}
