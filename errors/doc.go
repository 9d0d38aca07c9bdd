// Package errors provides structured error types for apex-wasm.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the wasm module and symbol involved, an element path and a
// cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLink, errors.KindIncompatibleMemory).
//		Module("env").
//		Symbol("memory").
//		Detail("maximum %d below minimum %d", 16, 32).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Exhausted(128)
//	err := errors.MissingExport(errors.PhaseLink, "proc", "__tls_base", "mutable i32 global")
//
// Protocol violations (acquire while bound, release while unbound) are not returned:
// the slot allocator panics with a *Error of kind KindProtocolViolation, which a wazero
// host function turns into a guest trap.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
