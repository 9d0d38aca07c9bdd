package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig  Phase = "config"  // layout and harness configuration
	PhaseLoad    Phase = "load"    // module loading
	PhaseLink    Phase = "link"    // import resolution, shared memory
	PhaseAcquire Phase = "acquire" // slot acquisition
	PhaseRelease Phase = "release" // slot release
	PhaseRuntime Phase = "runtime" // process execution
	PhaseEncode  Phase = "encode"  // module synthesis
	PhaseDecode  Phase = "decode"  // module inspection
	PhaseHost    Phase = "host"    // host module registration
)

// Kind categorizes the error
type Kind string

const (
	KindExhausted          Kind = "exhausted"
	KindProtocolViolation  Kind = "protocol_violation"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindInvalidData        Kind = "invalid_data"
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindMissingExport      Kind = "missing_export"
	KindInstantiation      Kind = "instantiation"
	KindIncompatibleMemory Kind = "incompatible_memory"
	KindRegistration       Kind = "registration"
	KindDuplicate          Kind = "duplicate"
	KindTrap               Kind = "trap"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Symbol string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Module != "" || e.Symbol != "" {
		b.WriteString(": ")
		switch {
		case e.Module != "" && e.Symbol != "":
			b.WriteString(e.Module)
			b.WriteByte('#')
			b.WriteString(e.Symbol)
		case e.Module != "":
			b.WriteString("module ")
			b.WriteString(e.Module)
		default:
			b.WriteString("symbol ")
			b.WriteString(e.Symbol)
		}
	}

	if e.Detail != "" {
		if e.Module != "" || e.Symbol != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
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

// Path sets the path of the offending element
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Module sets the wasm module name
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Symbol sets the import, export or global name
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
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

// Exhausted reports that every slot of a table of the given capacity is in use.
func Exhausted(capacity uint32) *Error {
	return &Error{
		Phase:  PhaseAcquire,
		Kind:   KindExhausted,
		Detail: fmt.Sprintf("all %d slots in use", capacity),
		Value:  capacity,
	}
}

// ProtocolViolation reports an acquire/release call made in the wrong state.
// These are raised with panic, never returned.
func ProtocolViolation(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProtocolViolation,
		Detail: detail,
	}
}

// MissingExport creates an error for a required export the module does not provide
func MissingExport(phase Phase, module, symbol, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMissingExport,
		Module: module,
		Symbol: symbol,
		Detail: fmt.Sprintf("%s not exported", what),
	}
}

// IncompatibleMemory creates an error for memory imports that cannot share one memory
func IncompatibleMemory(module, symbol, detail string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindIncompatibleMemory,
		Module: module,
		Symbol: symbol,
		Detail: detail,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
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

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Duplicate creates an error for a name that is already registered
func Duplicate(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDuplicate,
		Detail: fmt.Sprintf("%s %q already exists", what, name),
		Value:  name,
	}
}

// Registration creates a host module registration error
func Registration(module, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Module: module,
		Symbol: name,
		Detail: "register host function",
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Module: module,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Trap wraps an error returned by a guest call
func Trap(module, symbol string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Module: module,
		Symbol: symbol,
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
