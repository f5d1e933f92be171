package gas

import (
	"math"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Config controls gas metering injection.
type Config struct {
	// Table assigns costs to instruction classes. Required.
	Table *CostTable

	// ChargeModule and ChargeField name the charge import. The import
	// takes the accumulated run cost as i32 and returns nothing.
	ChargeModule string
	ChargeField  string

	// GrowCost adds a per-page surcharge to memory.grow. When positive,
	// every memory.grow is routed through a generated wrapper that
	// charges pages*GrowCost before growing.
	GrowCost uint32
}

// DefaultChargeModule and DefaultChargeField name the conventional host
// charge function.
const (
	DefaultChargeModule = "env"
	DefaultChargeField  = "gas"
)

func (c *Config) validate() error {
	if c.Table == nil {
		return errors.Config("gas: cost table is required")
	}
	if c.ChargeModule == "" || c.ChargeField == "" {
		return errors.Config("gas: charge import name is required")
	}
	return nil
}

// WithDefaults fills unset fields with the conventional values.
func (c Config) WithDefaults() Config {
	if c.ChargeModule == "" {
		c.ChargeModule = DefaultChargeModule
	}
	if c.ChargeField == "" {
		c.ChargeField = DefaultChargeField
	}
	return c
}

// Inject rewrites every defined function so that each straight-line run
// pays its accumulated cost through the charge import before executing.
// The module is modified in place; on error it is left in an undefined
// state and must be discarded.
func Inject(m *wasm.Module, cfg Config, log *zap.Logger) error {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	if log == nil {
		log = zap.NewNop()
	}

	chargeIdx, err := ensureChargeImport(m, cfg)
	if err != nil {
		return err
	}

	var runs, charged int
	for i := range m.Code {
		funcIdx := uint32(m.NumImportedFuncs() + i)
		segs, err := segments(m.Code[i].Instrs, cfg.Table)
		if err != nil {
			if e, ok := err.(*errors.Error); ok && e.Func == nil {
				e.Func = &funcIdx
			}
			return err
		}
		instrs, err := injectCharges(m.Code[i].Instrs, segs, chargeIdx, funcIdx)
		if err != nil {
			return err
		}
		m.Code[i].Instrs = instrs
		runs += len(segs)
		charged++
	}

	if cfg.GrowCost > 0 {
		if err := wrapMemoryGrow(m, cfg.GrowCost, chargeIdx); err != nil {
			return err
		}
	}

	log.Debug("gas metering injected",
		zap.Int("functions", charged),
		zap.Int("runs", runs),
		zap.Uint32("charge_func", chargeIdx))
	return nil
}

// chargeType is the signature of the charge import.
func chargeType() wasm.FuncType {
	return wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}}
}

// ensureChargeImport returns the function index of the charge import,
// adding it when absent. Adding an import shifts every defined function
// index up by one, so all existing references are remapped first.
func ensureChargeImport(m *wasm.Module, cfg Config) (uint32, error) {
	want := chargeType()

	if idx, ok := m.FuncImportIndex(cfg.ChargeModule, cfg.ChargeField); ok {
		got := m.GetFuncType(idx)
		if got == nil || !got.Equal(want) {
			return 0, errors.ImportCollision(errors.PhaseGas, cfg.ChargeModule, cfg.ChargeField,
				"existing import does not have signature (i32) -> ()")
		}
		return idx, nil
	}
	if _, ok := m.ImportByName(cfg.ChargeModule, cfg.ChargeField); ok {
		return 0, errors.ImportCollision(errors.PhaseGas, cfg.ChargeModule, cfg.ChargeField,
			"name is taken by a non-function import")
	}

	typeIdx := m.AddType(want)
	idx := m.AddFuncImport(cfg.ChargeModule, cfg.ChargeField, typeIdx)
	m.RemapFunctions(func(old uint32) uint32 {
		if old >= idx {
			return old + 1
		}
		return old
	})
	return idx, nil
}

// injectCharges rebuilds a body with an i32.const/call pair at the start
// of each metering run.
func injectCharges(body []wasm.Instruction, segs []segment, chargeIdx, funcIdx uint32) ([]wasm.Instruction, error) {
	if len(segs) == 0 {
		return body, nil
	}
	for _, s := range segs {
		if s.cost > math.MaxInt32 {
			return nil, errors.New(errors.PhaseGas, errors.KindOverflow).
				Func(funcIdx).
				Detail("run cost %d does not fit the charge argument", s.cost).
				Build()
		}
	}

	out := make([]wasm.Instruction, 0, len(body)+2*len(segs))
	next := 0
	for i, instr := range body {
		if next < len(segs) && segs[next].start == i {
			out = append(out, wasm.I32Const(int32(segs[next].cost)), wasm.Call(chargeIdx))
			next++
		}
		out = append(out, instr)
	}
	// A run starting at the body's end has nothing to execute and was
	// already skipped as zero cost.
	return out, nil
}

// wrapMemoryGrow routes every memory.grow through a generated wrapper
// charging pages*growCost before growing. The wrapper is appended to the
// function space so no existing index moves.
func wrapMemoryGrow(m *wasm.Module, growCost uint32, chargeIdx uint32) error {
	found := false
	for i := range m.Code {
		for _, instr := range m.Code[i].Instrs {
			if instr.Opcode == wasm.OpMemoryGrow {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return nil
	}
	if growCost > math.MaxInt32 {
		return errors.New(errors.PhaseGas, errors.KindOverflow).
			Detail("grow cost %d does not fit the charge argument", growCost).
			Build()
	}

	wrapperIdx := uint32(m.NumFuncs())
	for i := range m.Code {
		for j, instr := range m.Code[i].Instrs {
			if instr.Opcode == wasm.OpMemoryGrow {
				m.Code[i].Instrs[j] = wasm.Call(wrapperIdx)
			}
		}
	}

	typeIdx := m.AddType(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	})
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, wasm.FuncBody{
		Instrs: []wasm.Instruction{
			wasm.LocalGet(0),
			{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(growCost)}},
			{Opcode: wasm.OpI32Mul},
			wasm.Call(chargeIdx),
			wasm.LocalGet(0),
			{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemOpImm{}},
			wasm.End(),
		},
	})
	return nil
}
