package externalize

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Role identifies a memory-management helper a contract module commonly
// carries a local copy of.
type Role string

const (
	RoleAlloc Role = "alloc"
	RoleFree  Role = "free"
	RoleCopy  Role = "copy"
	RoleFill  Role = "fill"
	RoleMove  Role = "move"
)

// RoleSpec describes how to recognize one role and which import replaces
// it. A local function matches when an export under one of the Names
// points at it, its signature equals Type, and its body is a trivial
// forwarder (see matchesBody).
type RoleSpec struct {
	Role   Role
	Names  []string
	Module string
	Field  string
	Type   wasm.FuncType

	// Bulk is the 0xFC sub-opcode a forwarding body may delegate to
	// instead of an inner call, where one exists for the role.
	Bulk    uint32
	HasBulk bool
}

// DefaultRoles returns the conventional allocator and memory helper set,
// importing from the env module.
func DefaultRoles() []RoleSpec {
	i32 := wasm.ValI32
	ptr3 := []wasm.ValType{i32, i32, i32}
	return []RoleSpec{
		{
			Role:   RoleAlloc,
			Names:  []string{"malloc", "alloc", "__alloc"},
			Module: "env", Field: "alloc",
			Type: wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}},
		},
		{
			Role:   RoleFree,
			Names:  []string{"free", "__free"},
			Module: "env", Field: "free",
			Type: wasm.FuncType{Params: []wasm.ValType{i32}},
		},
		{
			Role:   RoleCopy,
			Names:  []string{"memcpy", "__memcpy"},
			Module: "env", Field: "memcpy",
			Type: wasm.FuncType{Params: ptr3, Results: []wasm.ValType{i32}},
			Bulk:  wasm.MiscMemoryCopy, HasBulk: true,
		},
		{
			Role:   RoleFill,
			Names:  []string{"memset", "__memset"},
			Module: "env", Field: "memset",
			Type: wasm.FuncType{Params: ptr3, Results: []wasm.ValType{i32}},
			Bulk:  wasm.MiscMemoryFill, HasBulk: true,
		},
		{
			Role:   RoleMove,
			Names:  []string{"memmove", "__memmove"},
			Module: "env", Field: "memmove",
			Type: wasm.FuncType{Params: ptr3, Results: []wasm.ValType{i32}},
			Bulk:  wasm.MiscMemoryCopy, HasBulk: true,
		},
	}
}

// Config controls externalization.
type Config struct {
	// Roles to look for. Nil means DefaultRoles.
	Roles []RoleSpec
}

// Match records one recognized helper.
type Match struct {
	Role      Role
	Name      string
	FuncIdx   uint32
	ImportIdx uint32
}

// Externalize finds local memory helpers and redirects their call sites
// to host imports. Matched bodies stay in place so a later pruning pass
// can drop them once nothing references them. Recognition errs on the
// side of leaving functions alone: anything but an exact forwarder shape
// is skipped.
//
// The module is modified in place; on error it must be discarded.
func Externalize(m *wasm.Module, cfg Config, log *zap.Logger) ([]Match, error) {
	if log == nil {
		log = zap.NewNop()
	}
	roles := cfg.Roles
	if roles == nil {
		roles = DefaultRoles()
	}

	var matches []Match
	for _, spec := range roles {
		funcIdx, name, ok := findCandidate(m, spec)
		if !ok {
			continue
		}

		importIdx, added, err := ensureImport(m, spec)
		if err != nil {
			return nil, err
		}
		// A freshly added import shifts the matched function up by one.
		if added && funcIdx >= importIdx {
			funcIdx++
		}

		rewire(m, funcIdx, importIdx)
		matches = append(matches, Match{
			Role:      spec.Role,
			Name:      name,
			FuncIdx:   funcIdx,
			ImportIdx: importIdx,
		})
	}

	if len(matches) > 0 {
		fields := make([]zap.Field, 0, len(matches))
		for _, match := range matches {
			fields = append(fields, zap.Uint32(string(match.Role), match.FuncIdx))
		}
		log.Debug("memory helpers externalized", fields...)
	}
	return matches, nil
}

// findCandidate locates a defined function matching the role: exported
// under one of the role names, right signature, trivial forwarding body.
func findCandidate(m *wasm.Module, spec RoleSpec) (uint32, string, bool) {
	numImported := uint32(m.NumImportedFuncs())
	for _, name := range spec.Names {
		e, ok := m.ExportByName(name)
		if !ok || e.Kind != wasm.KindFunc || e.Idx < numImported {
			continue
		}
		ft := m.GetFuncType(e.Idx)
		if ft == nil || !ft.Equal(spec.Type) {
			continue
		}
		body := m.Code[e.Idx-numImported]
		if !matchesBody(body, spec) {
			continue
		}
		return e.Idx, name, true
	}
	return 0, "", false
}

// matchesBody accepts only the exact forwarder shape: every parameter
// loaded in order, one delegated operation (a call, or the role's bulk
// memory instruction), an optional local.get 0 to return the first
// argument, and the terminating end. Declared locals disqualify.
func matchesBody(body wasm.FuncBody, spec RoleSpec) bool {
	if len(body.Locals) != 0 {
		return false
	}
	instrs := body.Instrs
	pos := 0

	for i := range spec.Type.Params {
		if pos >= len(instrs) {
			return false
		}
		imm, ok := instrs[pos].Imm.(wasm.LocalImm)
		if instrs[pos].Opcode != wasm.OpLocalGet || !ok || imm.LocalIdx != uint32(i) {
			return false
		}
		pos++
	}

	if pos >= len(instrs) {
		return false
	}
	switch instrs[pos].Opcode {
	case wasm.OpCall:
	case wasm.OpPrefixMisc:
		imm, ok := instrs[pos].Imm.(wasm.MiscImm)
		if !ok || !spec.HasBulk || imm.SubOpcode != spec.Bulk {
			return false
		}
	default:
		return false
	}
	pos++

	if pos < len(instrs) && instrs[pos].Opcode == wasm.OpLocalGet {
		imm, ok := instrs[pos].Imm.(wasm.LocalImm)
		if !ok || imm.LocalIdx != 0 {
			return false
		}
		pos++
	}

	return pos == len(instrs)-1 && instrs[pos].Opcode == wasm.OpEnd
}

func ensureImport(m *wasm.Module, spec RoleSpec) (uint32, bool, error) {
	if idx, ok := m.FuncImportIndex(spec.Module, spec.Field); ok {
		got := m.GetFuncType(idx)
		if got == nil || !got.Equal(spec.Type) {
			return 0, false, errors.ImportCollision(errors.PhaseExternalize, spec.Module, spec.Field,
				"existing import signature does not match role "+string(spec.Role))
		}
		return idx, false, nil
	}
	if _, ok := m.ImportByName(spec.Module, spec.Field); ok {
		return 0, false, errors.ImportCollision(errors.PhaseExternalize, spec.Module, spec.Field,
			"name is taken by a non-function import")
	}

	typeIdx := m.AddType(spec.Type)
	idx := m.AddFuncImport(spec.Module, spec.Field, typeIdx)
	m.RemapFunctions(func(old uint32) uint32 {
		if old >= idx {
			return old + 1
		}
		return old
	})
	return idx, true, nil
}

// rewire redirects every call to the matched function at the import.
// Exports, element segments and the matched body itself are left alone;
// pruning decides their fate.
func rewire(m *wasm.Module, from, to uint32) {
	numImported := uint32(m.NumImportedFuncs())
	matchedBody := int(from - numImported)
	for i := range m.Code {
		if i == matchedBody {
			continue
		}
		for j, instr := range m.Code[i].Instrs {
			if imm, ok := instr.Imm.(wasm.CallImm); ok && imm.FuncIdx == from {
				m.Code[i].Instrs[j] = wasm.Call(to)
			}
		}
	}
}
