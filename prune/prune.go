package prune

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Config controls dead code pruning.
type Config struct {
	// Roots lists the export names that must survive. Empty means every
	// export is a root. A name matching no export is a configuration
	// error.
	Roots []string
}

// Stats reports what pruning removed.
type Stats struct {
	RemovedFuncs    int
	RemovedGlobals  int
	RemovedTypes    int
	RemovedImports  int
	RemovedExports  int
	RemovedElements int
	RemovedData     int
}

// Prune removes everything not reachable from the root exports and the
// start function, then compacts every index space and rewrites all
// remaining references in one traversal. Exports not named as roots are
// dropped. Pruning is idempotent for a fixed root set.
func Prune(m *wasm.Module, cfg Config, log *zap.Logger) (*Stats, error) {
	if log == nil {
		log = zap.NewNop()
	}

	mk := newMarker(m)
	if err := mk.markRoots(cfg.Roots); err != nil {
		return nil, err
	}
	mk.run()

	stats := rewrite(m, mk, cfg.Roots)

	log.Debug("dead code pruned",
		zap.Int("removed_funcs", stats.RemovedFuncs),
		zap.Int("removed_globals", stats.RemovedGlobals),
		zap.Int("removed_types", stats.RemovedTypes),
		zap.Int("removed_imports", stats.RemovedImports))
	return stats, nil
}

type itemKind uint8

const (
	itemFunc itemKind = iota
	itemType
	itemGlobal
	itemTable
	itemMemory
	itemElem
	itemData
)

type item struct {
	idx  uint32
	kind itemKind
}

// marker computes the live set with a worklist over (kind, index) pairs.
type marker struct {
	m    *wasm.Module
	live map[item]bool
	work []item
}

func newMarker(m *wasm.Module) *marker {
	return &marker{m: m, live: make(map[item]bool)}
}

func (mk *marker) mark(it item) {
	if mk.live[it] {
		return
	}
	mk.live[it] = true
	mk.work = append(mk.work, it)
}

func (mk *marker) markRoots(roots []string) error {
	if len(roots) == 0 {
		for _, e := range mk.m.Exports {
			mk.markExport(e)
		}
	} else {
		for _, name := range roots {
			e, ok := mk.m.ExportByName(name)
			if !ok {
				return errors.RootNotFound(name)
			}
			mk.markExport(*e)
		}
	}
	if mk.m.Start != nil {
		mk.mark(item{kind: itemFunc, idx: *mk.m.Start})
	}
	return nil
}

func (mk *marker) markExport(e wasm.Export) {
	switch e.Kind {
	case wasm.KindFunc:
		mk.mark(item{kind: itemFunc, idx: e.Idx})
	case wasm.KindTable:
		mk.mark(item{kind: itemTable, idx: e.Idx})
	case wasm.KindMemory:
		mk.mark(item{kind: itemMemory, idx: e.Idx})
	case wasm.KindGlobal:
		mk.mark(item{kind: itemGlobal, idx: e.Idx})
	}
}

func (mk *marker) run() {
	for len(mk.work) > 0 {
		it := mk.work[len(mk.work)-1]
		mk.work = mk.work[:len(mk.work)-1]
		mk.expand(it)
	}
}

func (mk *marker) expand(it item) {
	m := mk.m
	switch it.kind {
	case itemFunc:
		if typeIdx, ok := m.TypeIndexOfFunc(it.idx); ok {
			mk.mark(item{kind: itemType, idx: typeIdx})
		}
		numImported := uint32(m.NumImportedFuncs())
		if it.idx >= numImported {
			defined := it.idx - numImported
			if int(defined) < len(m.Code) {
				mk.markExpr(m.Code[defined].Instrs)
			}
		}
	case itemGlobal:
		numImported := uint32(m.NumImportedGlobals())
		if it.idx >= numImported {
			defined := it.idx - numImported
			if int(defined) < len(m.Globals) {
				mk.markExpr(m.Globals[defined].Init)
			}
		}
	case itemTable:
		// Active segments initialize the table; keeping the table keeps
		// its segments and everything they reference.
		for i, elem := range m.Elements {
			if elem.TableIdx == it.idx {
				mk.mark(item{kind: itemElem, idx: uint32(i)})
			}
		}
	case itemMemory:
		for i, seg := range m.Data {
			if seg.Flags != 1 && seg.MemIdx == it.idx {
				mk.mark(item{kind: itemData, idx: uint32(i)})
			}
		}
	case itemElem:
		elem := m.Elements[it.idx]
		mk.mark(item{kind: itemTable, idx: elem.TableIdx})
		mk.markExpr(elem.Offset)
		for _, f := range elem.FuncIdxs {
			mk.mark(item{kind: itemFunc, idx: f})
		}
	case itemData:
		seg := m.Data[it.idx]
		if seg.Flags != 1 {
			mk.mark(item{kind: itemMemory, idx: seg.MemIdx})
		}
		mk.markExpr(seg.Offset)
	}
}

func (mk *marker) markExpr(instrs []wasm.Instruction) {
	for _, instr := range instrs {
		switch imm := instr.Imm.(type) {
		case wasm.CallImm:
			mk.mark(item{kind: itemFunc, idx: imm.FuncIdx})
		case wasm.CallIndirectImm:
			mk.mark(item{kind: itemType, idx: imm.TypeIdx})
			mk.mark(item{kind: itemTable, idx: imm.TableIdx})
		case wasm.GlobalImm:
			mk.mark(item{kind: itemGlobal, idx: imm.GlobalIdx})
		case wasm.MemoryImm:
			mk.mark(item{kind: itemMemory, idx: 0})
		case wasm.MemOpImm:
			mk.mark(item{kind: itemMemory, idx: uint32(imm.MemIdx)})
		case wasm.MiscImm:
			mk.markMisc(imm)
		}
	}
}

func (mk *marker) markMisc(imm wasm.MiscImm) {
	switch imm.SubOpcode {
	case wasm.MiscMemoryInit:
		mk.mark(item{kind: itemData, idx: imm.Operands[0]})
		mk.mark(item{kind: itemMemory, idx: imm.Operands[1]})
	case wasm.MiscDataDrop:
		mk.mark(item{kind: itemData, idx: imm.Operands[0]})
	case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
		for _, op := range imm.Operands {
			mk.mark(item{kind: itemMemory, idx: op})
		}
	case wasm.MiscTableInit:
		mk.mark(item{kind: itemElem, idx: imm.Operands[0]})
		mk.mark(item{kind: itemTable, idx: imm.Operands[1]})
	case wasm.MiscElemDrop:
		mk.mark(item{kind: itemElem, idx: imm.Operands[0]})
	case wasm.MiscTableCopy:
		mk.mark(item{kind: itemTable, idx: imm.Operands[0]})
		mk.mark(item{kind: itemTable, idx: imm.Operands[1]})
	}
}

// compaction maps an old index space to the compacted one, preserving
// relative order.
type compaction struct {
	toNew map[uint32]uint32
}

func newCompaction(total int, isLive func(uint32) bool) compaction {
	c := compaction{toNew: make(map[uint32]uint32)}
	next := uint32(0)
	for old := uint32(0); old < uint32(total); old++ {
		if isLive(old) {
			c.toNew[old] = next
			next++
		}
	}
	return c
}

func (c compaction) remap(old uint32) uint32 {
	// Dead references cannot survive marking; a miss here would be a
	// marking defect surfaced by validation downstream.
	return c.toNew[old]
}

func (c compaction) keeps(old uint32) bool {
	_, ok := c.toNew[old]
	return ok
}

// rewrite drops dead items, compacts every index space and fixes all
// remaining references.
func rewrite(m *wasm.Module, mk *marker, roots []string) *Stats {
	stats := &Stats{}
	isLive := func(k itemKind) func(uint32) bool {
		return func(idx uint32) bool { return mk.live[item{kind: k, idx: idx}] }
	}

	funcs := newCompaction(m.NumFuncs(), isLive(itemFunc))
	types := newCompaction(len(m.Types), isLive(itemType))
	globals := newCompaction(m.NumGlobals(), isLive(itemGlobal))
	tables := newCompaction(m.NumImportedTables()+len(m.Tables), isLive(itemTable))
	memories := newCompaction(m.NumImportedMemories()+len(m.Memories), isLive(itemMemory))
	elems := newCompaction(len(m.Elements), isLive(itemElem))
	data := newCompaction(len(m.Data), isLive(itemData))

	// Imports, walking per-kind counters over the combined index spaces.
	var keptImports []wasm.Import
	var fi, gi, ti, mi uint32
	for _, imp := range m.Imports {
		keep := false
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			keep = funcs.keeps(fi)
			fi++
		case wasm.KindGlobal:
			keep = globals.keeps(gi)
			gi++
		case wasm.KindTable:
			keep = tables.keeps(ti)
			ti++
		case wasm.KindMemory:
			keep = memories.keeps(mi)
			mi++
		}
		if keep {
			keptImports = append(keptImports, imp)
		} else {
			stats.RemovedImports++
		}
	}
	m.Imports = keptImports

	// Defined functions.
	numImportedFuncs := fi
	var keptFuncs []uint32
	var keptCode []wasm.FuncBody
	for i := range m.Funcs {
		old := numImportedFuncs + uint32(i)
		if !funcs.keeps(old) {
			stats.RemovedFuncs++
			continue
		}
		keptFuncs = append(keptFuncs, types.remap(m.Funcs[i]))
		keptCode = append(keptCode, m.Code[i])
	}
	m.Funcs = keptFuncs
	m.Code = keptCode

	// Types.
	var keptTypes []wasm.FuncType
	for i, t := range m.Types {
		if types.keeps(uint32(i)) {
			keptTypes = append(keptTypes, t)
		} else {
			stats.RemovedTypes++
		}
	}
	m.Types = keptTypes

	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == wasm.KindFunc {
			m.Imports[i].Desc.TypeIdx = types.remap(m.Imports[i].Desc.TypeIdx)
		}
	}

	// Defined globals.
	numImportedGlobals := gi
	var keptGlobals []wasm.Global
	for i := range m.Globals {
		old := numImportedGlobals + uint32(i)
		if !globals.keeps(old) {
			stats.RemovedGlobals++
			continue
		}
		keptGlobals = append(keptGlobals, m.Globals[i])
	}
	m.Globals = keptGlobals

	// Defined tables and memories.
	numImportedTables := ti
	var keptTables []wasm.TableType
	for i := range m.Tables {
		if tables.keeps(numImportedTables + uint32(i)) {
			keptTables = append(keptTables, m.Tables[i])
		}
	}
	m.Tables = keptTables

	numImportedMemories := mi
	var keptMemories []wasm.MemoryType
	for i := range m.Memories {
		if memories.keeps(numImportedMemories + uint32(i)) {
			keptMemories = append(keptMemories, m.Memories[i])
		}
	}
	m.Memories = keptMemories

	// Segments.
	var keptElems []wasm.Element
	for i := range m.Elements {
		if !elems.keeps(uint32(i)) {
			stats.RemovedElements++
			continue
		}
		e := m.Elements[i]
		e.TableIdx = tables.remap(e.TableIdx)
		for j, f := range e.FuncIdxs {
			e.FuncIdxs[j] = funcs.remap(f)
		}
		keptElems = append(keptElems, e)
	}
	m.Elements = keptElems

	var keptData []wasm.DataSegment
	for i := range m.Data {
		if !data.keeps(uint32(i)) {
			stats.RemovedData++
			continue
		}
		seg := m.Data[i]
		if seg.Flags != 1 {
			seg.MemIdx = memories.remap(seg.MemIdx)
		}
		keptData = append(keptData, seg)
	}
	m.Data = keptData
	if m.DataCount != nil {
		n := uint32(len(m.Data))
		m.DataCount = &n
	}

	// Exports: roots stay, everything else goes.
	rootSet := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		rootSet[r] = struct{}{}
	}
	var keptExports []wasm.Export
	for _, e := range m.Exports {
		if len(roots) > 0 {
			if _, ok := rootSet[e.Name]; !ok {
				stats.RemovedExports++
				continue
			}
		}
		switch e.Kind {
		case wasm.KindFunc:
			e.Idx = funcs.remap(e.Idx)
		case wasm.KindTable:
			e.Idx = tables.remap(e.Idx)
		case wasm.KindMemory:
			e.Idx = memories.remap(e.Idx)
		case wasm.KindGlobal:
			e.Idx = globals.remap(e.Idx)
		}
		keptExports = append(keptExports, e)
	}
	m.Exports = keptExports

	if m.Start != nil {
		s := funcs.remap(*m.Start)
		m.Start = &s
	}

	// One traversal fixes every reference in the surviving expressions.
	for i := range m.Code {
		remapExpr(m.Code[i].Instrs, funcs, types, globals, tables, elems, data)
	}
	for i := range m.Globals {
		remapExpr(m.Globals[i].Init, funcs, types, globals, tables, elems, data)
	}
	for i := range m.Elements {
		remapExpr(m.Elements[i].Offset, funcs, types, globals, tables, elems, data)
	}
	for i := range m.Data {
		remapExpr(m.Data[i].Offset, funcs, types, globals, tables, elems, data)
	}

	return stats
}

func remapExpr(instrs []wasm.Instruction, funcs, types, globals, tables, elems, data compaction) {
	for i := range instrs {
		switch imm := instrs[i].Imm.(type) {
		case wasm.CallImm:
			instrs[i].Imm = wasm.CallImm{FuncIdx: funcs.remap(imm.FuncIdx)}
		case wasm.CallIndirectImm:
			instrs[i].Imm = wasm.CallIndirectImm{
				TypeIdx:  types.remap(imm.TypeIdx),
				TableIdx: tables.remap(imm.TableIdx),
			}
		case wasm.GlobalImm:
			instrs[i].Imm = wasm.GlobalImm{GlobalIdx: globals.remap(imm.GlobalIdx)}
		case wasm.MiscImm:
			instrs[i].Imm = remapMisc(imm, tables, elems, data)
		}
	}
}

func remapMisc(imm wasm.MiscImm, tables, elems, data compaction) wasm.MiscImm {
	ops := append([]uint32(nil), imm.Operands...)
	switch imm.SubOpcode {
	case wasm.MiscMemoryInit, wasm.MiscDataDrop:
		ops[0] = data.remap(ops[0])
	case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
		// Memory operands survive as zero in the single-memory profile.
	case wasm.MiscTableInit:
		ops[0] = elems.remap(ops[0])
		ops[1] = tables.remap(ops[1])
	case wasm.MiscElemDrop:
		ops[0] = elems.remap(ops[0])
	case wasm.MiscTableCopy:
		ops[0] = tables.remap(ops[0])
		ops[1] = tables.remap(ops[1])
	}
	return wasm.MiscImm{SubOpcode: imm.SubOpcode, Operands: ops}
}
