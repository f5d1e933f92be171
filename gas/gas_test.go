package gas

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

func singleFuncModule(params []wasm.ValType, body []wasm.Instruction) *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{{Params: params, Results: []wasm.ValType{wasm.ValI32}}},
		Funcs: []uint32{0},
		Code:  []wasm.FuncBody{{Instrs: body}},
		Exports: []wasm.Export{
			{Name: "run", Kind: wasm.KindFunc, Idx: 0},
		},
	}
}

func uniformConfig() Config {
	return Config{Table: UniformTable(1)}
}

func TestInjectStraightLine(t *testing.T) {
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32, wasm.ValI32},
		[]wasm.Instruction{
			wasm.LocalGet(0),
			wasm.LocalGet(1),
			{Opcode: wasm.OpI32Add},
			wasm.End(),
		},
	)

	require.NoError(t, Inject(m, uniformConfig(), nil))

	// One charge import added at index 0, the function moves to index 1.
	assert.Equal(t, 1, m.NumImportedFuncs())
	assert.Equal(t, uint32(1), m.Exports[0].Idx)

	// Three instructions cost 1 each; end is free.
	assert.Equal(t, []wasm.Instruction{
		wasm.I32Const(3),
		wasm.Call(0),
		wasm.LocalGet(0),
		wasm.LocalGet(1),
		{Opcode: wasm.OpI32Add},
		wasm.End(),
	}, m.Code[0].Instrs)

	require.NoError(t, wasm.ValidateModule(m))
}

func TestInjectLoopRechargesBody(t *testing.T) {
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32},
		[]wasm.Instruction{
			{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
			wasm.LocalGet(0),
			wasm.I32Const(1),
			{Opcode: wasm.OpI32Sub},
			{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: 0}},
			{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: 0}},
			wasm.End(),
			wasm.LocalGet(0),
			wasm.End(),
		},
	)

	require.NoError(t, Inject(m, uniformConfig(), nil))

	// The loop body's charge sits inside the loop so every iteration
	// pays again. The entry run covers the loop opcode itself.
	assert.Equal(t, []wasm.Instruction{
		wasm.I32Const(1),
		wasm.Call(0),
		{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.I32Const(5),
		wasm.Call(0),
		wasm.LocalGet(0),
		wasm.I32Const(1),
		{Opcode: wasm.OpI32Sub},
		{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: 0}},
		{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: 0}},
		wasm.End(),
		wasm.I32Const(1),
		wasm.Call(0),
		wasm.LocalGet(0),
		wasm.End(),
	}, m.Code[0].Instrs)
}

func TestInjectIfElseArmsChargedSeparately(t *testing.T) {
	body := []wasm.Instruction{
		wasm.LocalGet(0),
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: int32(-0x01)}}, // i32 result
		wasm.I32Const(10),
		{Opcode: wasm.OpElse},
		wasm.I32Const(20),
		wasm.End(),
		wasm.End(),
	}
	m := singleFuncModule([]wasm.ValType{wasm.ValI32}, body)

	require.NoError(t, Inject(m, uniformConfig(), nil))

	assert.Equal(t, []wasm.Instruction{
		wasm.I32Const(2),
		wasm.Call(0),
		wasm.LocalGet(0),
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: int32(-0x01)}},
		wasm.I32Const(1),
		wasm.Call(0),
		wasm.I32Const(10),
		{Opcode: wasm.OpElse},
		wasm.I32Const(1),
		wasm.Call(0),
		wasm.I32Const(20),
		wasm.End(),
		wasm.End(),
	}, m.Code[0].Instrs)
}

func TestInjectMissingCostEntry(t *testing.T) {
	table := &CostTable{Costs: map[Class]uint32{ClassLocal: 1}}
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32, wasm.ValI32},
		[]wasm.Instruction{
			wasm.LocalGet(0),
			wasm.LocalGet(1),
			{Opcode: wasm.OpI32Add},
			wasm.End(),
		},
	)

	err := Inject(m, Config{Table: table}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseGas, Kind: errors.KindMissingCost}))
	assert.Contains(t, err.Error(), `class "add"`)
}

func TestInjectForbiddenFloats(t *testing.T) {
	table := UniformTable(1)
	table.ForbidFloats = true
	m := singleFuncModule(nil, []wasm.Instruction{
		{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Value: 1.5}},
		{Opcode: wasm.OpI32TruncF32S},
		wasm.End(),
	})

	err := Inject(m, Config{Table: table}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseGas, Kind: errors.KindUnsupported}))
}

func TestInjectReusesExistingChargeImport(t *testing.T) {
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32},
		[]wasm.Instruction{wasm.LocalGet(0), wasm.End()},
	)
	m.Types = append(m.Types, wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	m.Imports = []wasm.Import{
		{Module: "env", Name: "gas", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
	}
	// The defined function sits behind the existing import.
	m.Exports[0].Idx = 1

	require.NoError(t, Inject(m, uniformConfig(), nil))

	assert.Equal(t, 1, m.NumImportedFuncs())
	assert.Equal(t, uint32(1), m.Exports[0].Idx)
	assert.Equal(t, wasm.Call(0), m.Code[0].Instrs[1])
}

func TestInjectChargeImportCollision(t *testing.T) {
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32},
		[]wasm.Instruction{wasm.LocalGet(0), wasm.End()},
	)
	m.Types = append(m.Types, wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}})
	m.Imports = []wasm.Import{
		{Module: "env", Name: "gas", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
	}
	m.Exports[0].Idx = 1

	err := Inject(m, uniformConfig(), nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseGas, Kind: errors.KindImportCollision}))
}

func TestInjectGrowCostWrapper(t *testing.T) {
	m := singleFuncModule(
		[]wasm.ValType{wasm.ValI32},
		[]wasm.Instruction{
			wasm.LocalGet(0),
			{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemOpImm{}},
			wasm.End(),
		},
	)
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}

	cfg := uniformConfig()
	cfg.GrowCost = 10
	require.NoError(t, Inject(m, cfg, nil))

	// Wrapper appended after the original function: charge import is 0,
	// original function 1, wrapper 2.
	require.Len(t, m.Code, 2)
	wrapperIdx := uint32(2)

	assert.Equal(t, wasm.Call(wrapperIdx), m.Code[0].Instrs[3])

	assert.Equal(t, []wasm.Instruction{
		wasm.LocalGet(0),
		wasm.I32Const(10),
		{Opcode: wasm.OpI32Mul},
		wasm.Call(0),
		wasm.LocalGet(0),
		{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemOpImm{}},
		wasm.End(),
	}, m.Code[1].Instrs)

	require.NoError(t, wasm.ValidateModule(m))
}

func TestParseEntries(t *testing.T) {
	entries, err := ParseEntries("add=2,mul=7,call=135")
	require.NoError(t, err)
	assert.Equal(t, map[Class]uint32{ClassAdd: 2, ClassMul: 7, ClassCall: 135}, entries)

	_, err = ParseEntries("bogus=1")
	require.Error(t, err)

	_, err = ParseEntries("add")
	require.Error(t, err)

	_, err = ParseEntries("add=notanumber")
	require.Error(t, err)
}

func TestWithEntriesOverrides(t *testing.T) {
	table := UniformTable(1).WithEntries(map[Class]uint32{ClassMul: 7})
	cost, err := table.Cost(wasm.Instruction{Opcode: wasm.OpI32Mul})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cost)

	cost, err = table.Cost(wasm.Instruction{Opcode: wasm.OpI32Add})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cost)
}

func TestSegmentsSkipZeroCostRuns(t *testing.T) {
	// A body that is nothing but block scaffolding with free costs
	// produces no charge at all for the empty regions.
	table := UniformTable(1).WithEntries(map[Class]uint32{ClassFlow: 0})
	segs, err := segments([]wasm.Instruction{
		{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.End(),
		wasm.End(),
	}, table)
	require.NoError(t, err)
	assert.Empty(t, segs)
}
