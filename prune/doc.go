// Package prune removes unreachable items from WebAssembly modules.
// Reachability starts at the root exports and the start function and
// follows every reference: calls, global reads, table and memory use,
// element and data segments. Everything unmarked is dropped, the
// remaining index spaces are compacted in order, and all references are
// rewritten in a single traversal.
//
// Exports not named as roots are removed along with their targets, which
// lets a caller shed helper exports that only existed for toolchain
// plumbing.
package prune
