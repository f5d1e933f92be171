// Package testbed executes instrumented modules under a real runtime.
// The unit tests elsewhere assert on instruction sequences; the tests
// here instantiate the rewritten binaries with wazero and observe the
// behavior the instrumentation promises: charges arriving at the host,
// loops paying per iteration, and deep call chains trapping at the
// configured stack limit.
package testbed
