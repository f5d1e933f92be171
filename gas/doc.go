// Package gas injects deterministic gas metering into WebAssembly
// modules. It splits every function body into straight-line runs, sums
// each run's cost from a per-class table, and prepends an upfront charge
// call so the host can account for execution before it happens.
//
// The charge function is an import with signature (i32) -> () whose
// module and field names are configurable. Costs come from a CostTable
// keyed by instruction class; an instruction whose class has no entry
// fails injection rather than defaulting. Loop bodies start their own
// runs, so iterations are re-charged as they execute.
package gas
