package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which stage of the pipeline the error occurred in
type Phase string

const (
	PhaseDecode      Phase = "decode"      // binary to module
	PhaseEncode      Phase = "encode"      // module to binary
	PhaseValidate    Phase = "validate"    // index invariant checks
	PhaseConfig      Phase = "config"      // pass configuration
	PhaseGas         Phase = "gas"         // gas metering injection
	PhaseStackHeight Phase = "stackheight" // stack height limiting
	PhasePrune       Phase = "prune"       // dead code elimination
	PhaseExternalize Phase = "externalize" // import externalization
	PhasePipeline    Phase = "pipeline"    // pass orchestration
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData     Kind = "invalid_data"
	KindInvalidIndex    Kind = "invalid_index"
	KindMissingCost     Kind = "missing_cost"
	KindImportCollision Kind = "import_collision"
	KindRecursion       Kind = "recursion"
	KindLimitTooSmall   Kind = "limit_too_small"
	KindNotFound        Kind = "not_found"
	KindUnsupported     Kind = "unsupported"
	KindOverflow        Kind = "overflow"
)

// Error is the structured error type used throughout the instrumenter.
// Func carries the function index that triggered the failure where known,
// so a caller can report which element of the module was at fault.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
	Func   *uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Func != nil {
		fmt.Fprintf(&b, " in func %d", *e.Func)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the element path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Func records the function index the error occurred in
func (b *Builder) Func(idx uint32) *Builder {
	b.err.Func = &idx
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// MissingCost reports a cost table with no entry for an instruction class.
func MissingCost(class string) *Error {
	return &Error{
		Phase:  PhaseGas,
		Kind:   KindMissingCost,
		Detail: fmt.Sprintf("no cost entry for instruction class %q", class),
	}
}

// ImportCollision reports a configured import name already taken by an
// import of an incompatible type.
func ImportCollision(phase Phase, module, field, reason string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindImportCollision,
		Path:   []string{module, field},
		Detail: reason,
	}
}

// Recursion reports a call graph cycle that prevents a static stack bound.
func Recursion(funcs []uint32) *Error {
	parts := make([]string, len(funcs))
	for i, f := range funcs {
		parts[i] = fmt.Sprintf("%d", f)
	}
	return &Error{
		Phase:  PhaseStackHeight,
		Kind:   KindRecursion,
		Detail: fmt.Sprintf("call graph cycle through functions [%s]", strings.Join(parts, " ")),
	}
}

// LimitTooSmall reports a stack limit no single call could fit under.
func LimitTooSmall(limit, largest, funcIdx uint32) *Error {
	return &Error{
		Phase:  PhaseStackHeight,
		Kind:   KindLimitTooSmall,
		Func:   &funcIdx,
		Detail: fmt.Sprintf("limit %d is below the largest single-function height %d", limit, largest),
	}
}

// RootNotFound reports a pruning root that resolves to no export.
func RootNotFound(name string) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("root %q does not match any export", name),
	}
}

// InvalidIndex reports an out-of-range index reference found after a rewrite.
// This is a defect in the pass that produced the module, never expected input.
func InvalidIndex(what string, index, limit uint32) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindInvalidIndex,
		Detail: fmt.Sprintf("%s index %d out of range (space size %d)", what, index, limit),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Decode wraps a binary decoding failure.
func Decode(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Config creates a configuration error.
func Config(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
