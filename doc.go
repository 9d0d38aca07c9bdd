// Package apexwasm runs many threads of one WebAssembly program against a single shared
// linear memory, giving every thread a private secondary stack and TLS block.
//
// Compilers targeting wasm32 keep addressable locals on a secondary stack in linear memory
// (found through the __stack_pointer global) and thread-locals in a block found through
// __tls_base. Threads sharing one memory each need their own slice of both before they run
// any code. This module carves those slices out of a fixed slot table and binds them to each
// thread's globals with a lock-free allocator that needs neither a stack nor a heap itself.
//
// # Architecture Overview
//
//	apexwasm/           Root package with the Memory interface
//	├── procalloc/      Slot table, occupancy registry and the lock-free slot allocator
//	├── engine/         wazero integration: shared memory, global binding, alloc/free host module
//	├── runtime/        Partitions of processes (one thread per process) and configuration
//	├── wasm/           Core module model, encoder and import decoder
//	├── errors/         Structured error types
//	├── internal/       Non-moving linear memory, synthesized guest processes
//	└── cmd/apexrun/    Command line harness with an occupancy monitor
//
// # Quick Start
//
//	p, err := runtime.New(ctx, runtime.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close(ctx)
//
//	mod, err := p.Load(ctx, "proc", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := p.CreateProcess(runtime.ProcessAttribute{Name: "pp_main", Module: mod}); err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.StartAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for _, r := range p.Wait() {
//	    fmt.Println(r.Name, r.Values, r.Err)
//	}
//
// # Guest Contract
//
// A process module imports a shared memory (env.memory by default) and exports three mutable
// i32 globals: __stack_pointer, __tls_base and __apex_wasm_proc_ptr. The harness binds a slot
// before calling the entry point and releases it afterwards. Modules that manage their own
// threads may instead import apex.__apex_wasm_proc_alloc (() -> i32) and
// apex.__apex_wasm_proc_free (()) and call them directly.
//
// # Thread Safety
//
// The slot allocator and Partition are safe for concurrent use. A wazero module instance is
// not; each process runs its own instance on its own goroutine.
package apexwasm
