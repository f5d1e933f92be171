package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-instrument/gas"
	"github.com/wippyai/wasm-instrument/stackheight"
	"github.com/wippyai/wasm-instrument/wasm"
)

func contractBinary(t *testing.T) []byte {
	t.Helper()
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0},
		Exports: []wasm.Export{
			{Name: "add", Kind: wasm.KindFunc, Idx: 0},
		},
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

func TestBuildFullPipeline(t *testing.T) {
	out, err := Build(contractBinary(t), BuildConfig{
		Gas:         gas.Config{Table: gas.UniformTable(1)},
		StackHeight: stackheight.Config{Limit: 1024},
	})
	require.NoError(t, err)

	m, err := wasm.ParseModule(out)
	require.NoError(t, err)

	_, hasGas := m.FuncImportIndex("env", "gas")
	assert.True(t, hasGas)
	_, hasAbort := m.FuncImportIndex("env", "stack_overflow")
	assert.True(t, hasAbort)

	exp, ok := m.ExportByName("add")
	require.True(t, ok)
	assert.Equal(t, uint32(2), exp.Idx)

	require.NoError(t, wasm.ValidateModule(m))
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	ran := false
	bad := passFunc{name: "bad", run: func(m *wasm.Module) error {
		return assert.AnError
	}}
	after := passFunc{name: "after", run: func(m *wasm.Module) error {
		ran = true
		return nil
	}}

	_, err := Chain(contractBinary(t), bad, after)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pass bad failed")
	assert.False(t, ran)
}

func TestChainValidatesAfterEachPass(t *testing.T) {
	broken := passFunc{name: "broken", run: func(m *wasm.Module) error {
		m.Code[0].Instrs[0] = wasm.Call(42)
		return nil
	}}

	_, err := Chain(contractBinary(t), broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced an invalid module")
}

func TestChainRejectsGarbage(t *testing.T) {
	_, err := Chain([]byte{0xDE, 0xAD})
	require.Error(t, err)
}

func TestSetLoggerNilRestoresNop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Logger())
}
