// Package errors provides structured error types for the instrumentation
// pipeline.
//
// Every failure carries a Phase (which pass or stage failed) and a Kind
// (what went wrong), plus optional context: the function index that
// triggered the failure and a path of element names. Passes return these
// errors so callers can report which pass and which module element failed
// without string matching.
package errors
