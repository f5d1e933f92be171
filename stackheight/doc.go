// Package stackheight bounds the stack consumption of WebAssembly
// modules. Each defined function's frame contribution (parameters, locals
// and maximum operand stack height) is computed by simulating its body,
// and the call graph is condensed into strongly connected components to
// compose whole-chain bounds bottom-up. Recursive modules are rejected:
// no static bound exists for them.
//
// Instrumentation maintains a shared counter global. Function entry adds
// the function's contribution and traps through an abort import when the
// configured limit is exceeded; every return path subtracts the
// contribution again. call_indirect is modeled conservatively as an edge
// to every type-compatible function, since table contents can change at
// run time.
package stackheight
