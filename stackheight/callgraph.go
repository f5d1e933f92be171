package stackheight

import (
	"github.com/wippyai/wasm-instrument/wasm"
)

// callGraph holds the static call edges of a module. Nodes are function
// indices over the combined index space; imported functions have no
// outgoing edges.
type callGraph struct {
	edges [][]uint32
}

// buildCallGraph collects call edges for every defined function. A call
// contributes one edge to its static target. A call_indirect can reach
// any function whose type matches the declared type index, so it
// contributes conservative edges to all of them; which functions are
// actually present in a table does not narrow the set, since tables are
// mutable from the host side.
func buildCallGraph(m *wasm.Module) *callGraph {
	numFuncs := m.NumFuncs()
	g := &callGraph{edges: make([][]uint32, numFuncs)}

	// call_indirect targets per type index, computed once.
	var byType map[uint32][]uint32
	hasIndirect := false
	for i := range m.Code {
		for _, instr := range m.Code[i].Instrs {
			if instr.Opcode == wasm.OpCallIndirect {
				hasIndirect = true
				break
			}
		}
		if hasIndirect {
			break
		}
	}
	if hasIndirect {
		byType = make(map[uint32][]uint32)
		for f := uint32(0); f < uint32(numFuncs); f++ {
			typeIdx, ok := m.TypeIndexOfFunc(f)
			if !ok {
				continue
			}
			byType[typeIdx] = append(byType[typeIdx], f)
		}
	}

	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		caller := numImported + uint32(i)
		seen := make(map[uint32]struct{})
		for _, instr := range m.Code[i].Instrs {
			switch imm := instr.Imm.(type) {
			case wasm.CallImm:
				if _, dup := seen[imm.FuncIdx]; !dup {
					seen[imm.FuncIdx] = struct{}{}
					g.edges[caller] = append(g.edges[caller], imm.FuncIdx)
				}
			case wasm.CallIndirectImm:
				for _, target := range byType[imm.TypeIdx] {
					if _, dup := seen[target]; !dup {
						seen[target] = struct{}{}
						g.edges[caller] = append(g.edges[caller], target)
					}
				}
			}
		}
	}
	return g
}

// sccs runs Tarjan's algorithm iteratively and returns strongly connected
// components in reverse topological order: every component appears after
// the components it can reach.
func (g *callGraph) sccs() [][]uint32 {
	n := len(g.edges)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack  []uint32
		result [][]uint32
		next   = 0
	)

	type callFrame struct {
		node uint32
		edge int
	}

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		work := []callFrame{{node: uint32(start)}}
		for len(work) > 0 {
			f := &work[len(work)-1]
			v := f.node
			if f.edge == 0 {
				index[v] = next
				lowlink[v] = next
				next++
				stack = append(stack, v)
				onStack[v] = true
			}

			advanced := false
			for f.edge < len(g.edges[v]) {
				w := g.edges[v][f.edge]
				f.edge++
				if index[w] == -1 {
					work = append(work, callFrame{node: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
			if advanced {
				continue
			}

			if lowlink[v] == index[v] {
				var comp []uint32
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				result = append(result, comp)
			}

			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
		}
	}
	return result
}

// hasSelfLoop reports whether the function calls itself directly.
func (g *callGraph) hasSelfLoop(f uint32) bool {
	for _, t := range g.edges[f] {
		if t == f {
			return true
		}
	}
	return false
}
