package prune

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// richModule builds a module with live and dead items of every kind:
//
//	imports: env.used (func, called), env.unused (func, never called)
//	funcs:   2=main (exported, calls 0 and 3, reads global 0)
//	         3=helper (called by main)
//	         4=dead (calls itself, never referenced)
//	globals: 0=live (read by main), 1=dead
func richModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			// 0: () -> () used, 1: () -> i32 used, 2: the dead func's type.
			{},
			{Results: []wasm.ValType{wasm.ValI32}},
			{Params: []wasm.ValType{wasm.ValF64}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "used", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "unused", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs: []uint32{1, 0, 2},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: []wasm.Instruction{wasm.I32Const(7), wasm.End()}},
			{Type: wasm.GlobalType{ValType: wasm.ValI64}, Init: []wasm.Instruction{{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 9}}, wasm.End()}},
		},
		Exports: []wasm.Export{
			{Name: "main", Kind: wasm.KindFunc, Idx: 2},
		},
		Code: []wasm.FuncBody{
			{Instrs: []wasm.Instruction{
				wasm.Call(0),
				wasm.Call(3),
				wasm.GlobalGet(0),
				wasm.End(),
			}},
			{Instrs: []wasm.Instruction{wasm.End()}},
			{Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				{Opcode: wasm.OpDrop},
				wasm.Call(4),
				wasm.End(),
			}},
		},
	}
}

func TestPruneRemovesDeadItems(t *testing.T) {
	m := richModule()
	stats, err := Prune(m, Config{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.RemovedFuncs)
	assert.Equal(t, 1, stats.RemovedImports)
	assert.Equal(t, 1, stats.RemovedGlobals)
	assert.Equal(t, 1, stats.RemovedTypes)

	// env.unused is gone, so main moves from 2 to 1.
	require.Len(t, m.Imports, 1)
	assert.Equal(t, "used", m.Imports[0].Name)
	assert.Equal(t, uint32(1), m.Exports[0].Idx)

	// main's calls point at the compacted indices.
	assert.Equal(t, wasm.Call(0), m.Code[0].Instrs[0])
	assert.Equal(t, wasm.Call(2), m.Code[0].Instrs[1])
	assert.Equal(t, wasm.GlobalGet(0), m.Code[0].Instrs[2])

	require.Len(t, m.Globals, 1)
	assert.Equal(t, wasm.ValI32, m.Globals[0].Type.ValType)

	require.NoError(t, wasm.ValidateModule(m))
}

func TestPruneDropsNonRootExports(t *testing.T) {
	m := richModule()
	// Export the dead function too, then prune with main as the only root.
	m.Exports = append(m.Exports, wasm.Export{Name: "debug_hook", Kind: wasm.KindFunc, Idx: 4})

	stats, err := Prune(m, Config{Roots: []string{"main"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.RemovedExports)
	assert.Equal(t, 1, stats.RemovedFuncs)
	require.Len(t, m.Exports, 1)
	assert.Equal(t, "main", m.Exports[0].Name)
	require.NoError(t, wasm.ValidateModule(m))
}

func TestPruneRootNotFound(t *testing.T) {
	m := richModule()
	_, err := Prune(m, Config{Roots: []string{"no_such_export"}}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindNotFound}))
}

func TestPruneIdempotent(t *testing.T) {
	m := richModule()
	_, err := Prune(m, Config{}, nil)
	require.NoError(t, err)
	once := wasm.EncodeModule(m)

	_, err = Prune(m, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, once, wasm.EncodeModule(m))
}

func TestPruneKeepsIndirectCallChain(t *testing.T) {
	// main uses call_indirect; the table's element segment keeps its
	// member function alive even though nothing calls it by name.
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0, 0},
		Tables: []wasm.TableType{
			{ElemType: wasm.FuncRefByte, Limits: wasm.Limits{Min: 1}},
		},
		Exports: []wasm.Export{
			{Name: "main", Kind: wasm.KindFunc, Idx: 0},
		},
		Elements: []wasm.Element{
			{TableIdx: 0, Offset: []wasm.Instruction{wasm.I32Const(0), wasm.End()}, FuncIdxs: []uint32{1}},
		},
		Code: []wasm.FuncBody{
			{Instrs: []wasm.Instruction{
				wasm.I32Const(0),
				{Opcode: wasm.OpCallIndirect, Imm: wasm.CallIndirectImm{TypeIdx: 0}},
				wasm.End(),
			}},
			{Instrs: []wasm.Instruction{wasm.I32Const(42), wasm.End()}},
		},
	}

	stats, err := Prune(m, Config{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.RemovedFuncs)
	require.Len(t, m.Tables, 1)
	require.Len(t, m.Elements, 1)
	assert.Equal(t, []uint32{1}, m.Elements[0].FuncIdxs)
	require.NoError(t, wasm.ValidateModule(m))
}

func TestPruneKeepsStartFunction(t *testing.T) {
	m := richModule()
	start := uint32(3) // helper, otherwise only reachable through main
	m.Start = &start
	m.Exports = nil

	_, err := Prune(m, Config{}, nil)
	require.NoError(t, err)

	// Only the start function and its type survive.
	require.Len(t, m.Code, 1)
	require.NotNil(t, m.Start)
	assert.Equal(t, uint32(0), *m.Start)
	require.NoError(t, wasm.ValidateModule(m))
}

func TestPruneKeepsMemoryAndData(t *testing.T) {
	m := richModule()
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	m.Data = []wasm.DataSegment{
		{Flags: 0, Offset: []wasm.Instruction{wasm.I32Const(0), wasm.End()}, Init: []byte{1}},
	}
	// main loads from memory.
	m.Code[0].Instrs = []wasm.Instruction{
		wasm.Call(0),
		wasm.Call(3),
		wasm.GlobalGet(0),
		{Opcode: wasm.OpDrop},
		wasm.I32Const(0),
		{Opcode: wasm.OpI32Load, Imm: wasm.MemoryImm{Align: 2}},
		{Opcode: wasm.OpDrop},
		wasm.End(),
	}

	_, err := Prune(m, Config{}, nil)
	require.NoError(t, err)

	require.Len(t, m.Memories, 1)
	require.Len(t, m.Data, 1)
	require.NoError(t, wasm.ValidateModule(m))
}
