// Package wasm provides a structural model of WebAssembly modules for
// bytecode rewriting. It decodes the core binary format into a Module
// whose function bodies are sequences of typed instructions, lets passes
// edit types, imports, globals, code and segments in place, and encodes
// the result back to binary.
//
// The model targets the deterministic contract profile: the MVP
// instruction set plus sign extension and the 0xFC saturating truncation
// and bulk memory operations. Opcodes outside this profile are rejected
// at decode time.
//
// Unlike a runtime decoder, the model preserves everything needed to
// re-emit a working binary, including custom sections, and exposes
// whole-module reference rewriting (RemapFunctions, RemapGlobals,
// RemapTypes) so a pass that inserts or removes items can fix every
// index reference in a single traversal.
package wasm
