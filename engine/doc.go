// Package engine runs apex-wasm process modules on wazero.
//
// It owns a threads-enabled wazero runtime and wires the pieces a partition needs
// onto it: the shared linear memory every process imports, the host module that
// exposes the slot allocator to guests, and the binding of each instance's
// __stack_pointer, __tls_base and __apex_wasm_proc_ptr globals to the
// procalloc.Registers contract.
//
// # Flow
//
//  1. NewEngine creates the runtime. wazero backs a shared memory with one
//     buffer sized to its maximum, so it never moves while processes run.
//  2. Compile decodes the module's memory imports and compiles it.
//  3. InferSharedMemory derives one set of limits that satisfies every
//     process module and fits the slot table.
//  4. DefineSharedMemory instantiates a module exporting that memory under
//     the name the processes import it from.
//  5. DefineProcAlloc registers __apex_wasm_proc_alloc and
//     __apex_wasm_proc_free, which acquire and release slots for the calling
//     instance.
//  6. Instantiate creates an anonymous instance and binds its globals.
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use. An Instance belongs to the
// goroutine that calls into it.
package engine
