package wasm

// RemapFunctions rewrites every function index reference in the module
// through f. One traversal covers call immediates, exports, element
// segments and the start function. f receives the old index and returns
// the new one.
func (m *Module) RemapFunctions(f func(uint32) uint32) {
	for i := range m.Code {
		remapExprFuncs(m.Code[i].Instrs, f)
	}
	for i := range m.Globals {
		remapExprFuncs(m.Globals[i].Init, f)
	}
	for i := range m.Exports {
		if m.Exports[i].Kind == KindFunc {
			m.Exports[i].Idx = f(m.Exports[i].Idx)
		}
	}
	for i := range m.Elements {
		for j, idx := range m.Elements[i].FuncIdxs {
			m.Elements[i].FuncIdxs[j] = f(idx)
		}
	}
	if m.Start != nil {
		s := f(*m.Start)
		m.Start = &s
	}
}

func remapExprFuncs(instrs []Instruction, f func(uint32) uint32) {
	for i := range instrs {
		if imm, ok := instrs[i].Imm.(CallImm); ok {
			instrs[i].Imm = CallImm{FuncIdx: f(imm.FuncIdx)}
		}
	}
}

// RemapGlobals rewrites every global index reference through f.
func (m *Module) RemapGlobals(f func(uint32) uint32) {
	for i := range m.Code {
		remapExprGlobals(m.Code[i].Instrs, f)
	}
	for i := range m.Globals {
		remapExprGlobals(m.Globals[i].Init, f)
	}
	for i := range m.Elements {
		remapExprGlobals(m.Elements[i].Offset, f)
	}
	for i := range m.Data {
		remapExprGlobals(m.Data[i].Offset, f)
	}
	for i := range m.Exports {
		if m.Exports[i].Kind == KindGlobal {
			m.Exports[i].Idx = f(m.Exports[i].Idx)
		}
	}
}

func remapExprGlobals(instrs []Instruction, f func(uint32) uint32) {
	for i := range instrs {
		if imm, ok := instrs[i].Imm.(GlobalImm); ok {
			instrs[i].Imm = GlobalImm{GlobalIdx: f(imm.GlobalIdx)}
		}
	}
}

// RemapTypes rewrites every type index reference through f. Covers
// declared function type indices, function imports and call_indirect
// immediates.
func (m *Module) RemapTypes(f func(uint32) uint32) {
	for i := range m.Funcs {
		m.Funcs[i] = f(m.Funcs[i])
	}
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == KindFunc {
			m.Imports[i].Desc.TypeIdx = f(m.Imports[i].Desc.TypeIdx)
		}
	}
	for i := range m.Code {
		for j := range m.Code[i].Instrs {
			if imm, ok := m.Code[i].Instrs[j].Imm.(CallIndirectImm); ok {
				m.Code[i].Instrs[j].Imm = CallIndirectImm{
					TypeIdx:  f(imm.TypeIdx),
					TableIdx: imm.TableIdx,
				}
			}
		}
	}
}
