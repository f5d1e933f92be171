package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-instrument/wasm/internal/binary"
)

// ParseModule decodes a WASM binary into a Module. Non-custom sections must
// appear in canonical order and at most once. Custom sections are preserved
// verbatim but their position between other sections is not retained.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewBytesReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, r.WrapError("header", fmt.Errorf("invalid magic number 0x%08x", magic))
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, r.WrapError("header", fmt.Errorf("unsupported version %d", version))
	}

	m := &Module{}
	lastSection := byte(0)

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError(sectionName(sectionID), err)
		}

		if sectionID != SectionCustom {
			if sectionID > SectionDataCount {
				return nil, r.WrapError("section", fmt.Errorf("unknown section id %d", sectionID))
			}
			// DataCount (12) sits between Element (9) and Code (10) in the
			// binary ordering.
			if sectionRank(sectionID) <= sectionRank(lastSection) {
				return nil, r.WrapError("section", fmt.Errorf("section %s out of order", sectionName(sectionID)))
			}
			lastSection = sectionID
		}

		sr := binary.NewBytesReader(payload)
		if err := parseSection(m, sectionID, sr); err != nil {
			return nil, sr.WrapError(sectionName(sectionID), err)
		}
		if sectionID != SectionCustom && sr.Len() > 0 {
			return nil, sr.WrapError(sectionName(sectionID), errors.New("trailing bytes in section"))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("wasm: function count %d does not match code count %d", len(m.Funcs), len(m.Code))
	}

	return m, nil
}

func sectionRank(id byte) int {
	switch id {
	case SectionDataCount:
		return 19 // between element and code
	case SectionCode:
		return 20
	case SectionData:
		return 22
	default:
		return int(id) * 2
	}
}

func sectionName(id byte) string {
	names := map[byte]string{
		SectionCustom:    "custom",
		SectionType:      "type",
		SectionImport:    "import",
		SectionFunction:  "function",
		SectionTable:     "table",
		SectionMemory:    "memory",
		SectionGlobal:    "global",
		SectionExport:    "export",
		SectionStart:     "start",
		SectionElement:   "element",
		SectionCode:      "code",
		SectionData:      "data",
		SectionDataCount: "datacount",
	}
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("section(%d)", id)
}

func parseSection(m *Module, id byte, r *binary.Reader) error {
	switch id {
	case SectionCustom:
		return parseCustomSection(m, r)
	case SectionType:
		return parseTypeSection(m, r)
	case SectionImport:
		return parseImportSection(m, r)
	case SectionFunction:
		return parseFunctionSection(m, r)
	case SectionTable:
		return parseTableSection(m, r)
	case SectionMemory:
		return parseMemorySection(m, r)
	case SectionGlobal:
		return parseGlobalSection(m, r)
	case SectionExport:
		return parseExportSection(m, r)
	case SectionStart:
		return parseStartSection(m, r)
	case SectionElement:
		return parseElementSection(m, r)
	case SectionCode:
		return parseCodeSection(m, r)
	case SectionData:
		return parseDataSection(m, r)
	case SectionDataCount:
		count, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.DataCount = &count
		return nil
	}
	return fmt.Errorf("unknown section id %d", id)
}

func parseCustomSection(m *Module, r *binary.Reader) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes(r.Len())
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: data})
	return nil
}

func parseTypeSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: expected func type form 0x60, got 0x%02x", i, form)
		}
		ft, err := parseFuncType(r)
		if err != nil {
			return fmt.Errorf("type %d: %w", i, err)
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func parseFuncType(r *binary.Reader) (FuncType, error) {
	params, err := parseValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := parseValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func parseValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	types := make([]ValType, count)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		vt := ValType(b)
		if !isValType(vt) {
			return nil, fmt.Errorf("invalid value type 0x%02x", b)
		}
		types[i] = vt
	}
	return types, nil
}

func isValType(v ValType) bool {
	return v == ValI32 || v == ValI64 || v == ValF32 || v == ValF64
}

func parseImportSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
		case KindTable:
			tt, err := parseTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			limits, err := parseLimits(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &MemoryType{Limits: limits}
		case KindGlobal:
			gt, err := parseGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		default:
			return fmt.Errorf("import %d: invalid kind %d", i, kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableType(r *binary.Reader) (TableType, error) {
	elemType, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if elemType != FuncRefByte {
		return TableType{}, fmt.Errorf("invalid table element type 0x%02x", elemType)
	}
	limits, err := parseLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: elemType, Limits: limits}, nil
}

func parseLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	switch flags {
	case 0:
	case 1:
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	default:
		return Limits{}, fmt.Errorf("invalid limits flags %d", flags)
	}
	return l, nil
}

func parseGlobalType(r *binary.Reader) (GlobalType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	vt := ValType(b)
	if !isValType(vt) {
		return GlobalType{}, fmt.Errorf("invalid global value type 0x%02x", b)
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability flag %d", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseTableSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, 0, count)
	for i := uint32(0); i < count; i++ {
		tt, err := parseTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func parseMemorySection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, 0, count)
	for i := uint32(0); i < count; i++ {
		limits, err := parseLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, MemoryType{Limits: limits})
	}
	return nil
}

func parseGlobalSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Globals = make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		gt, err := parseGlobalType(r)
		if err != nil {
			return err
		}
		init, err := DecodeInstructions(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > KindGlobal {
			return fmt.Errorf("export %q: invalid kind %d", name, kind)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(m *Module, r *binary.Reader) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Elements = make([]Element, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		// Only active funcref segments with an explicit function index
		// vector are supported. Passive and declarative forms do not
		// appear in the contract profile.
		if flags != 0 {
			return fmt.Errorf("element %d: unsupported flags %d", i, flags)
		}
		offset, err := DecodeInstructions(r)
		if err != nil {
			return fmt.Errorf("element %d offset: %w", i, err)
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		funcs := make([]uint32, n)
		for j := range funcs {
			if funcs[j], err = r.ReadU32(); err != nil {
				return err
			}
		}
		m.Elements = append(m.Elements, Element{TableIdx: 0, Offset: offset, FuncIdxs: funcs})
	}
	return nil
}

func parseCodeSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		bodyBytes, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return err
		}
		br := binary.NewBytesReader(bodyBytes)

		localCount, err := br.ReadU32()
		if err != nil {
			return fmt.Errorf("func %d locals: %w", i, err)
		}
		var locals []LocalEntry
		if localCount > 0 {
			locals = make([]LocalEntry, localCount)
		}
		for j := range locals {
			n, err := br.ReadU32()
			if err != nil {
				return fmt.Errorf("func %d locals: %w", i, err)
			}
			b, err := br.ReadByte()
			if err != nil {
				return fmt.Errorf("func %d locals: %w", i, err)
			}
			vt := ValType(b)
			if !isValType(vt) {
				return fmt.Errorf("func %d: invalid local type 0x%02x", i, b)
			}
			locals[j] = LocalEntry{Count: n, ValType: vt}
		}

		instrs, err := DecodeInstructions(br)
		if err != nil {
			return fmt.Errorf("func %d body: %w", i, err)
		}
		if br.Len() > 0 {
			return fmt.Errorf("func %d: trailing bytes after body end", i)
		}
		m.Code = append(m.Code, FuncBody{Locals: locals, Instrs: instrs})
	}
	return nil
}

func parseDataSection(m *Module, r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		seg := DataSegment{Flags: flags}
		switch flags {
		case 0:
			if seg.Offset, err = DecodeInstructions(r); err != nil {
				return fmt.Errorf("data %d offset: %w", i, err)
			}
		case 1:
			// passive segment, no offset
		case 2:
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
			if seg.Offset, err = DecodeInstructions(r); err != nil {
				return fmt.Errorf("data %d offset: %w", i, err)
			}
		default:
			return fmt.Errorf("data %d: invalid flags %d", i, flags)
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return err
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}
