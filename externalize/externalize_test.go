package externalize

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/prune"
	"github.com/wippyai/wasm-instrument/wasm"
)

// helperModule bundles an allocator forwarder and a bulk-memory memcpy:
//
//	0 inner_alloc(i32)->i32   the real allocator
//	1 malloc(i32)->i32        forwards to inner_alloc, exported "malloc"
//	2 memcpy(i32,i32,i32)->i32 memory.copy forwarder, exported "memcpy"
//	3 main()->()               calls malloc and memcpy, exported "main"
func helperModule() *wasm.Module {
	i32 := wasm.ValI32
	return &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}},
			{Params: []wasm.ValType{i32, i32, i32}, Results: []wasm.ValType{i32}},
			{},
		},
		Funcs:    []uint32{0, 0, 1, 2},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "malloc", Kind: wasm.KindFunc, Idx: 1},
			{Name: "memcpy", Kind: wasm.KindFunc, Idx: 2},
			{Name: "main", Kind: wasm.KindFunc, Idx: 3},
		},
		Code: []wasm.FuncBody{
			{Instrs: []wasm.Instruction{wasm.LocalGet(0), wasm.End()}},
			{Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				wasm.Call(0),
				wasm.End(),
			}},
			{Instrs: []wasm.Instruction{
				wasm.LocalGet(0),
				wasm.LocalGet(1),
				wasm.LocalGet(2),
				{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}}},
				wasm.LocalGet(0),
				wasm.End(),
			}},
			{Instrs: []wasm.Instruction{
				wasm.I32Const(8),
				wasm.Call(1),
				{Opcode: wasm.OpDrop},
				wasm.I32Const(0),
				wasm.I32Const(16),
				wasm.I32Const(4),
				wasm.Call(2),
				{Opcode: wasm.OpDrop},
				wasm.End(),
			}},
		},
	}
}

func TestExternalizeRewiresCallSites(t *testing.T) {
	m := helperModule()
	matches, err := Externalize(m, Config{}, nil)
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, RoleAlloc, matches[0].Role)
	assert.Equal(t, "malloc", matches[0].Name)
	assert.Equal(t, RoleCopy, matches[1].Role)

	// Two imports added in role order.
	require.Equal(t, 2, m.NumImportedFuncs())
	assert.Equal(t, "alloc", m.Imports[0].Name)
	assert.Equal(t, "memcpy", m.Imports[1].Name)

	// main now calls the imports instead of the local helpers.
	main := m.Code[3].Instrs
	assert.Equal(t, wasm.Call(0), main[1])
	assert.Equal(t, wasm.Call(1), main[6])

	// The matched bodies keep their original (shifted) wiring.
	assert.Equal(t, wasm.Call(2), m.Code[1].Instrs[1])

	// Exports still point at the local functions for the pruner.
	malloc, _ := m.ExportByName("malloc")
	assert.Equal(t, uint32(3), malloc.Idx)

	require.NoError(t, wasm.ValidateModule(m))
}

func TestExternalizeSkipsWrongSignature(t *testing.T) {
	m := helperModule()
	// malloc now takes i64: no longer a candidate.
	m.Types[0].Params = []wasm.ValType{wasm.ValI64}
	m.Types = append(m.Types, wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}})

	matches, err := Externalize(m, Config{Roles: DefaultRoles()[:1]}, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 0, m.NumImportedFuncs())
}

func TestExternalizeSkipsNonTrivialBody(t *testing.T) {
	m := helperModule()
	// An alignment tweak before the inner call disqualifies malloc.
	m.Code[1].Instrs = []wasm.Instruction{
		wasm.LocalGet(0),
		wasm.I32Const(7),
		{Opcode: wasm.OpI32Add},
		wasm.Call(0),
		wasm.End(),
	}

	matches, err := Externalize(m, Config{Roles: DefaultRoles()[:1]}, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExternalizeSkipsBodyWithLocals(t *testing.T) {
	m := helperModule()
	m.Code[1].Locals = []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}

	matches, err := Externalize(m, Config{Roles: DefaultRoles()[:1]}, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExternalizeReusesExistingImport(t *testing.T) {
	m := helperModule()
	m.Imports = []wasm.Import{
		{Module: "env", Name: "alloc", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
	}
	// Shift everything behind the pre-existing import.
	m.RemapFunctions(func(old uint32) uint32 { return old + 1 })

	matches, err := Externalize(m, Config{Roles: DefaultRoles()[:1]}, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint32(0), matches[0].ImportIdx)
	assert.Equal(t, 1, m.NumImportedFuncs())
}

func TestExternalizeImportCollision(t *testing.T) {
	m := helperModule()
	// env.alloc exists with an incompatible signature.
	m.Imports = []wasm.Import{
		{Module: "env", Name: "alloc", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 2}},
	}
	m.RemapFunctions(func(old uint32) uint32 { return old + 1 })

	_, err := Externalize(m, Config{Roles: DefaultRoles()[:1]}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseExternalize, Kind: errors.KindImportCollision}))
}

func TestExternalizeThenPruneDropsHelperBodies(t *testing.T) {
	m := helperModule()
	_, err := Externalize(m, Config{}, nil)
	require.NoError(t, err)

	_, err = prune.Prune(m, prune.Config{Roots: []string{"main"}}, nil)
	require.NoError(t, err)

	// Only main survives; the helpers and the inner allocator are gone,
	// their roles now served by the imports.
	require.Len(t, m.Code, 1)
	require.Len(t, m.Exports, 1)
	assert.Equal(t, "main", m.Exports[0].Name)
	assert.Equal(t, 2, m.NumImportedFuncs())
	require.NoError(t, wasm.ValidateModule(m))
}
