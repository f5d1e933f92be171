package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-instrument/errors"
)

// ValidateModule checks the index invariants a rewriting pass must
// preserve: every function, global, type, table, memory, local, label
// and data reference resolves within its index space, control structures
// are balanced, and export names are unique. It is not a full spec validator;
// type checking of operand stacks is left to the runtime that loads the
// module.
func ValidateModule(m *Module) error {
	numFuncs := uint32(m.NumFuncs())
	numGlobals := uint32(m.NumGlobals())
	numTypes := uint32(len(m.Types))
	numTables := uint32(m.NumImportedTables() + len(m.Tables))
	numMemories := uint32(m.NumImportedMemories() + len(m.Memories))
	numData := uint32(len(m.Data))

	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
				Path("import", fmt.Sprintf("%d", i)).
				Detail("type index %d out of range (space size %d)", imp.Desc.TypeIdx, numTypes).
				Build()
		}
	}

	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
				Func(uint32(m.NumImportedFuncs() + i)).
				Detail("type index %d out of range (space size %d)", typeIdx, numTypes).
				Build()
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return errors.New(errors.PhaseValidate, errors.KindInvalidData).
			Detail("function count %d does not match code count %d", len(m.Funcs), len(m.Code)).
			Build()
	}

	for i := range m.Code {
		funcIdx := uint32(m.NumImportedFuncs() + i)
		ft := m.GetFuncType(funcIdx)
		if ft == nil {
			return errors.InvalidIndex("function type", funcIdx, numTypes)
		}
		numLocals := uint32(len(ft.Params)) + m.Code[i].NumLocals()
		if err := validateExpr(m.Code[i].Instrs, funcIdx, exprLimits{
			funcs:    numFuncs,
			globals:  numGlobals,
			types:    numTypes,
			tables:   numTables,
			memories: numMemories,
			locals:   numLocals,
			data:     numData,
		}); err != nil {
			return err
		}
	}

	for i := range m.Globals {
		if err := validateConstExpr(m.Globals[i].Init, "global", i, numGlobals, numFuncs); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(m.Exports))
	for _, e := range m.Exports {
		if _, dup := seen[e.Name]; dup {
			return errors.New(errors.PhaseValidate, errors.KindInvalidData).
				Path("export", e.Name).
				Detail("duplicate export name").
				Build()
		}
		seen[e.Name] = struct{}{}

		var limit uint32
		var what string
		switch e.Kind {
		case KindFunc:
			limit, what = numFuncs, "function"
		case KindTable:
			limit, what = numTables, "table"
		case KindMemory:
			limit, what = numMemories, "memory"
		case KindGlobal:
			limit, what = numGlobals, "global"
		}
		if e.Idx >= limit {
			return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
				Path("export", e.Name).
				Detail("%s index %d out of range (space size %d)", what, e.Idx, limit).
				Build()
		}
	}

	if m.Start != nil && *m.Start >= numFuncs {
		return errors.InvalidIndex("start function", *m.Start, numFuncs)
	}

	for i, elem := range m.Elements {
		if elem.TableIdx >= numTables {
			return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
				Path("element", fmt.Sprintf("%d", i)).
				Detail("table index %d out of range (space size %d)", elem.TableIdx, numTables).
				Build()
		}
		for _, f := range elem.FuncIdxs {
			if f >= numFuncs {
				return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
					Path("element", fmt.Sprintf("%d", i)).
					Detail("function index %d out of range (space size %d)", f, numFuncs).
					Build()
			}
		}
	}

	for i, seg := range m.Data {
		if seg.Flags != 1 && seg.MemIdx >= numMemories && numMemories > 0 {
			return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
				Path("data", fmt.Sprintf("%d", i)).
				Detail("memory index %d out of range (space size %d)", seg.MemIdx, numMemories).
				Build()
		}
	}

	return nil
}

type exprLimits struct {
	funcs    uint32
	globals  uint32
	types    uint32
	tables   uint32
	memories uint32
	locals   uint32
	data     uint32
}

func validateExpr(instrs []Instruction, funcIdx uint32, lim exprLimits) error {
	fail := func(what string, idx, limit uint32) error {
		return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
			Func(funcIdx).
			Detail("%s index %d out of range (space size %d)", what, idx, limit).
			Build()
	}

	depth := 0
	for i, instr := range instrs {
		switch imm := instr.Imm.(type) {
		case CallImm:
			if imm.FuncIdx >= lim.funcs {
				return fail("function", imm.FuncIdx, lim.funcs)
			}
		case BranchImm:
			// Label depth counts open blocks plus the function frame.
			if imm.LabelIdx > uint32(depth) {
				return fail("label", imm.LabelIdx, uint32(depth)+1)
			}
		case BrTableImm:
			for _, l := range imm.Labels {
				if l > uint32(depth) {
					return fail("label", l, uint32(depth)+1)
				}
			}
			if imm.Default > uint32(depth) {
				return fail("label", imm.Default, uint32(depth)+1)
			}
		case CallIndirectImm:
			if imm.TypeIdx >= lim.types {
				return fail("type", imm.TypeIdx, lim.types)
			}
			if imm.TableIdx >= lim.tables {
				return fail("table", imm.TableIdx, lim.tables)
			}
		case LocalImm:
			if imm.LocalIdx >= lim.locals {
				return fail("local", imm.LocalIdx, lim.locals)
			}
		case GlobalImm:
			if imm.GlobalIdx >= lim.globals {
				return fail("global", imm.GlobalIdx, lim.globals)
			}
		case MiscImm:
			switch imm.SubOpcode {
			case MiscMemoryInit, MiscDataDrop:
				if len(imm.Operands) > 0 && imm.Operands[0] >= lim.data {
					return fail("data", imm.Operands[0], lim.data)
				}
			}
		}

		switch {
		case instr.IsBlockStart():
			depth++
		case instr.Opcode == OpEnd:
			depth--
			if depth < 0 && i != len(instrs)-1 {
				return errors.New(errors.PhaseValidate, errors.KindInvalidData).
					Func(funcIdx).
					Detail("instructions after function end").
					Build()
			}
		}
	}
	if depth != -1 {
		return errors.New(errors.PhaseValidate, errors.KindInvalidData).
			Func(funcIdx).
			Detail("unbalanced control structure (depth %d at end of body)", depth+1).
			Build()
	}
	return nil
}

// validateConstExpr checks a global initializer. Constant expressions may
// only reference imported globals, but a rewriting defect would typically
// produce an out-of-range index rather than a subtly wrong one, so only
// the range is checked here.
func validateConstExpr(instrs []Instruction, section string, idx int, numGlobals, numFuncs uint32) error {
	for _, instr := range instrs {
		switch imm := instr.Imm.(type) {
		case GlobalImm:
			if imm.GlobalIdx >= numGlobals {
				return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
					Path(section, fmt.Sprintf("%d", idx)).
					Detail("global index %d out of range (space size %d)", imm.GlobalIdx, numGlobals).
					Build()
			}
		case CallImm:
			if imm.FuncIdx >= numFuncs {
				return errors.New(errors.PhaseValidate, errors.KindInvalidIndex).
					Path(section, fmt.Sprintf("%d", idx)).
					Detail("function index %d out of range (space size %d)", imm.FuncIdx, numFuncs).
					Build()
			}
		}
	}
	return nil
}
