package testbed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	instrument "github.com/wippyai/wasm-instrument"
	"github.com/wippyai/wasm-instrument/gas"
	"github.com/wippyai/wasm-instrument/prune"
	"github.com/wippyai/wasm-instrument/stackheight"
	"github.com/wippyai/wasm-instrument/wasm"
)

// host collects what the instrumented module reports back.
type host struct {
	charged uint64
	aborts  int
}

func newRuntime(t *testing.T, h *host) (wazero.Runtime, context.Context) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, amount uint32) { h.charged += uint64(amount) }).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context) { h.aborts++ }).
		Export("stack_overflow").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, size uint32) uint32 { return 64 }).
		Export("alloc").
		Instantiate(ctx)
	require.NoError(t, err)
	return r, ctx
}

func instantiate(t *testing.T, r wazero.Runtime, ctx context.Context, bin []byte) api.Module {
	t.Helper()
	mod, err := r.Instantiate(ctx, bin)
	require.NoError(t, err)
	return mod
}

func addModule() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{{
			Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				wasm.LocalGet(1),
				{Opcode: wasm.OpI32Add},
				wasm.End(),
			},
		}},
	}
	return wasm.EncodeModule(m)
}

func TestChargesMatchStaticCost(t *testing.T) {
	bin, err := instrument.Chain(addModule(),
		instrument.GasPass(gas.Config{Table: gas.UniformTable(1)}))
	require.NoError(t, err)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	res, err := mod.ExportedFunction("run").Call(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res[0])

	// Two local.gets and one add, each costing 1.
	assert.Equal(t, uint64(3), h.charged)
}

// countdownModule loops its argument down to zero and returns it.
func countdownModule() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{{
			Instrs: []wasm.Instruction{
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
		}},
	}
	return wasm.EncodeModule(m)
}

func TestLoopPaysPerIteration(t *testing.T) {
	bin, err := instrument.Chain(countdownModule(),
		instrument.GasPass(gas.Config{Table: gas.UniformTable(1)}))
	require.NoError(t, err)

	charge := func(n uint64) uint64 {
		h := &host{}
		r, ctx := newRuntime(t, h)
		mod := instantiate(t, r, ctx, bin)
		res, err := mod.ExportedFunction("run").Call(ctx, n)
		require.NoError(t, err)
		require.Equal(t, uint64(0), res[0])
		return h.charged
	}

	// Entry run (the loop opcode) and exit run cost 1 each; the loop
	// body costs 5 per iteration.
	assert.Equal(t, uint64(7), charge(1))
	assert.Equal(t, uint64(17), charge(3))
	assert.Equal(t, uint64(52), charge(10))
}

// chainModule builds run -> mid -> leaf, each (i32) -> i32.
func chainModule() []byte {
	ft := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	m := &wasm.Module{
		Types:   []wasm.FuncType{ft},
		Funcs:   []uint32{0, 0, 0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Instrs: []wasm.Instruction{wasm.LocalGet(0), wasm.Call(1), wasm.End()}},
			{Instrs: []wasm.Instruction{wasm.LocalGet(0), wasm.Call(2), wasm.End()}},
			{Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				wasm.I32Const(1),
				{Opcode: wasm.OpI32Add},
				wasm.End(),
			}},
		},
	}
	return wasm.EncodeModule(m)
}

func TestStackLimitTraps(t *testing.T) {
	// Contributions: run 2, mid 2, leaf 3; chain bound 7. A limit of 4
	// admits each function alone but not the full chain.
	bin, err := instrument.Chain(chainModule(),
		instrument.StackHeightPass(stackheight.Config{Limit: 4}))
	require.NoError(t, err)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	_, err = mod.ExportedFunction("run").Call(ctx, 5)
	require.Error(t, err)
	assert.Equal(t, 1, h.aborts)
}

func TestStackLimitAdmitsBoundedChain(t *testing.T) {
	bin, err := instrument.Chain(chainModule(),
		instrument.StackHeightPass(stackheight.Config{Limit: 7}))
	require.NoError(t, err)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	res, err := mod.ExportedFunction("run").Call(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res[0])
	assert.Equal(t, 0, h.aborts)
}

func TestStackCounterReturnsToZero(t *testing.T) {
	bin, err := instrument.Chain(chainModule(),
		instrument.StackHeightPass(stackheight.Config{Limit: 64, ExportHeight: "height"}))
	require.NoError(t, err)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	_, err = mod.ExportedFunction("run").Call(ctx, 5)
	require.NoError(t, err)

	height := mod.ExportedGlobal("height")
	require.NotNil(t, height)
	assert.Equal(t, uint64(0), height.Get())
}

// brReturnModule exits through a branch to the function frame instead of
// falling off the end.
func brReturnModule() []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{{
			Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				{Opcode: wasm.OpDrop},
				{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: 0}},
				wasm.End(),
			},
		}},
	}
	return wasm.EncodeModule(m)
}

func TestStackCounterReturnsToZeroAfterBranchReturn(t *testing.T) {
	bin, err := instrument.Chain(brReturnModule(),
		instrument.StackHeightPass(stackheight.Config{Limit: 64, ExportHeight: "height"}))
	require.NoError(t, err)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	// Repeated calls must not accumulate height.
	for i := 0; i < 3; i++ {
		_, err = mod.ExportedFunction("run").Call(ctx, 1)
		require.NoError(t, err)
	}

	height := mod.ExportedGlobal("height")
	require.NotNil(t, height)
	assert.Equal(t, uint64(0), height.Get())
	assert.Equal(t, 0, h.aborts)
}

// allocatorModule bundles a malloc forwarder the pipeline should
// externalize and prune away.
func allocatorModule() []byte {
	i32 := wasm.ValI32
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}},
			{Results: []wasm.ValType{i32}},
		},
		Funcs: []uint32{0, 0, 1},
		Exports: []wasm.Export{
			{Name: "malloc", Kind: wasm.KindFunc, Idx: 1},
			{Name: "run", Kind: wasm.KindFunc, Idx: 2},
		},
		Code: []wasm.FuncBody{
			// A stand-in bump allocator.
			{Instrs: []wasm.Instruction{wasm.LocalGet(0), wasm.End()}},
			// The forwarder the externalizer recognizes.
			{Instrs: []wasm.Instruction{wasm.LocalGet(0), wasm.Call(0), wasm.End()}},
			{Instrs: []wasm.Instruction{
				wasm.I32Const(8),
				wasm.Call(1),
				wasm.End(),
			}},
		},
	}
	return wasm.EncodeModule(m)
}

func TestFullPipelineEndToEnd(t *testing.T) {
	bin, err := instrument.Build(allocatorModule(), instrument.BuildConfig{
		Gas:         gas.Config{Table: gas.UniformTable(1)},
		StackHeight: stackheight.Config{Limit: 1024},
		Prune:       prune.Config{Roots: []string{"run"}},
	})
	require.NoError(t, err)

	parsed, err := wasm.ParseModule(bin)
	require.NoError(t, err)

	// The forwarder and its allocator were pruned; allocation now goes
	// through the host import.
	_, hasAlloc := parsed.FuncImportIndex("env", "alloc")
	assert.True(t, hasAlloc)
	_, stillExported := parsed.ExportByName("malloc")
	assert.False(t, stillExported)

	h := &host{}
	r, ctx := newRuntime(t, h)
	mod := instantiate(t, r, ctx, bin)

	res, err := mod.ExportedFunction("run").Call(ctx)
	require.NoError(t, err)
	// The host allocator returns 64.
	assert.Equal(t, uint64(64), res[0])
	assert.NotZero(t, h.charged)
	assert.Equal(t, 0, h.aborts)
}
