package wasm

// Module represents a parsed WebAssembly module
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for declared functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section (ID 12).
	// Required when data indices appear in code (bulk memory operations).
	DataCount *uint32

	CustomSections []CustomSection
}

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	default:
		return "unknown"
	}
}

// FuncType represents a function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two function types have identical signatures.
func (t FuncType) Equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Import represents an imported function, table, memory, or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc, KindTable, KindMemory, or KindGlobal constants.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table with element type and size limits.
type TableType struct {
	Limits   Limits
	ElemType byte
}

// MemoryType describes a linear memory with size limits.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max *uint32
	Min uint32
}

// GlobalType describes a global variable's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global represents a global variable with type and initializer expression.
// Init is a decoded constant expression including its terminating end.
type Global struct {
	Type GlobalType
	Init []Instruction
}

// Export describes an exported item.
// Kind uses KindFunc, KindTable, KindMemory, or KindGlobal constants.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element represents an element segment (active, funcref members).
type Element struct {
	Offset   []Instruction
	FuncIdxs []uint32
	TableIdx uint32
}

// FuncBody represents a function's local declarations and decoded
// instruction sequence. Instrs includes the terminating end opcode so the
// sequence forms a balanced control tree on its own.
type FuncBody struct {
	Locals []LocalEntry
	Instrs []Instruction
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// NumLocals returns the total declared local count, excluding parameters.
func (b *FuncBody) NumLocals() uint32 {
	var n uint32
	for _, l := range b.Locals {
		n += l.Count
	}
	return n
}

// DataSegment represents a data segment.
// Flags determine the format:
//   - 0: active, memIdx=0, offset expr, vec(byte)
//   - 1: passive, vec(byte)
//   - 2: active, memIdx, offset expr, vec(byte)
type DataSegment struct {
	Offset []Instruction
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			count++
		}
	}
	return count
}

// NumImportedGlobals returns the number of imported globals
func (m *Module) NumImportedGlobals() int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindGlobal {
			count++
		}
	}
	return count
}

// NumImportedTables returns the number of imported tables
func (m *Module) NumImportedTables() int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindTable {
			count++
		}
	}
	return count
}

// NumImportedMemories returns the number of imported memories
func (m *Module) NumImportedMemories() int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory {
			count++
		}
	}
	return count
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int {
	return m.NumImportedGlobals() + len(m.Globals)
}

// TypeIndexOfFunc returns the type index of a function in the combined
// index space (imports first, then declared functions).
func (m *Module) TypeIndexOfFunc(funcIdx uint32) (uint32, bool) {
	remaining := funcIdx
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if remaining == 0 {
			return imp.Desc.TypeIdx, true
		}
		remaining--
	}
	if int(remaining) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[remaining], true
}

// GetFuncType returns the type of a function by its index, or nil if the
// index or its type reference is out of range.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	typeIdx, ok := m.TypeIndexOfFunc(funcIdx)
	if !ok || int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// GlobalTypeOf returns the type of a global in the combined index space.
func (m *Module) GlobalTypeOf(globalIdx uint32) (GlobalType, bool) {
	remaining := globalIdx
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal {
			continue
		}
		if remaining == 0 {
			return *imp.Desc.Global, true
		}
		remaining--
	}
	if int(remaining) >= len(m.Globals) {
		return GlobalType{}, false
	}
	return m.Globals[remaining].Type, true
}

// AddType adds a function type and returns its index, reusing existing if equal
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	idx := uint32(len(m.Types))
	m.Types = append(m.Types, ft)
	return idx
}

// FuncImportIndex returns the function index of an existing import with the
// given module and field names.
func (m *Module) FuncImportIndex(module, field string) (uint32, bool) {
	funcIdx := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if imp.Module == module && imp.Name == field {
			return funcIdx, true
		}
		funcIdx++
	}
	return 0, false
}

// ImportByName returns the import with the given module and field names.
func (m *Module) ImportByName(module, field string) (*Import, bool) {
	for i := range m.Imports {
		if m.Imports[i].Module == module && m.Imports[i].Name == field {
			return &m.Imports[i], true
		}
	}
	return nil, false
}

// ExportByName returns the export with the given name.
func (m *Module) ExportByName(name string) (*Export, bool) {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i], true
		}
	}
	return nil, false
}

// AddFuncImport appends a function import and returns its index in the
// function index space. Appending shifts every declared function up by one;
// the caller must remap existing function references (see RemapFunctions).
func (m *Module) AddFuncImport(module, field string, typeIdx uint32) uint32 {
	m.Imports = append(m.Imports, Import{
		Module: module,
		Name:   field,
		Desc:   ImportDesc{Kind: KindFunc, TypeIdx: typeIdx},
	})
	return uint32(m.NumImportedFuncs() - 1)
}

// AddGlobal appends a module-defined global and returns its index in the
// global index space.
func (m *Module) AddGlobal(g Global) uint32 {
	m.Globals = append(m.Globals, g)
	return uint32(m.NumGlobals() - 1)
}
