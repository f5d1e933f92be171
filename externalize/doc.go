// Package externalize replaces a contract module's bundled memory
// helpers with host imports. Toolchains statically link allocator and
// memcpy-style routines into every module; when the host provides the
// same operations, calling out is both smaller and cheaper than metering
// the local copy.
//
// Recognition is deliberately conservative. A helper is matched only by
// the conjunction of an export name pattern, the exact expected
// signature, and a trivial forwarding body. Call sites are rewired to
// the import; the matched body itself is left in place for a subsequent
// pruning pass.
package externalize
