// Package procalloc hands out per-process secondary stack and TLS regions inside a
// WebAssembly linear memory shared by many threads.
//
// WebAssembly's value stack cannot be addressed, so compilers keep addressable locals on a
// "secondary" stack in linear memory and thread-locals in a TLS block, found through the
// __stack_pointer and __tls_base globals. When several threads run instances of a module
// against one shared memory, each of them needs a private slice of both before it runs any
// code that touches addressable locals or thread-locals.
//
// # Layout
//
// The slot table is a fixed array of Capacity slots starting at Layout.Base:
//
//	Base                                                            End()
//	│ slot 0                  │ slot 1                  │ ... │ slot N-1 │
//	│ tls (TLSSize) │ stack (StackSize) ↓│ tls │ stack ↓│
//
// The stack follows the TLS block of the same slot, so an overflow (the stack grows toward
// lower addresses) runs into the owner's own TLS before it can reach the previous slot.
// Region addresses are a pure function of the slot index.
//
// # Registers
//
// An execution context is three registers (see Registers): the frame base, the TLS base and
// the owned slot (one-based, NoSlot when none is held). Context is a plain struct
// implementation; the engine package binds the same contract to a guest instance's globals.
//
// # Protocol
//
//	UNBOUND --Acquire--> BOUND --Release--> UNBOUND
//
// Acquire scans slot indices in ascending order and claims the first free one with a single
// compare-and-swap per index; it returns false when every slot is in use. Release poisons
// the frame and TLS bases to addresses outside the table, drops the owned slot and marks the
// slot free last. Calling Acquire while bound or Release while unbound is a logic error in
// the caller and panics with a protocol violation (a trap inside a wazero host function).
//
// Acquire and Release never block, never allocate and never read slot-resident memory, so
// they are safe to run before a thread has a stack or TLS of its own.
package procalloc
