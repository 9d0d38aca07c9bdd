// Package runtime runs partitions: groups of processes that execute one
// WebAssembly program each on their own goroutine, all against one shared
// linear memory and one slot table.
//
// # Quick Start
//
//	ctx := context.Background()
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
//	for _, name := range []string{"pp_a", "pp_b"} {
//	    if _, err := p.CreateProcess(runtime.ProcessAttribute{Name: name, Module: mod}); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	if err := p.StartAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for _, r := range p.Wait() {
//	    fmt.Println(r.Name, r.Slot, r.Values, r.Err)
//	}
//
// Run does the same for a list of binaries in one call.
//
// # Process Lifecycle
//
// A process starts dormant. Start (or StartAll) defines the shared memory if
// this is the first start, then runs the process on a new goroutine:
//
//  1. Instantiate the module anonymously and bind its register globals.
//  2. Bind a slot: call the guest's __apex_wasm_proc_alloc export if it has
//     one, otherwise acquire a slot for its globals directly. A full table
//     fails the process with an exhausted error before the entry runs.
//  3. Call the entry function with argc and argv.
//  4. Release the slot the same way it was bound, even if the entry trapped.
//  5. Close the instance.
//
// Observers subscribed with Subscribe see each step as an Event.
//
// # Configuration
//
// Config can be built in code, from DefaultConfig, or loaded from YAML with
// LoadConfig:
//
//	host_module: env
//	memory: memory
//	entry: main
//	argc: 0
//	argv: 0
//	layout:
//	  base: 0x100000
//	  capacity: 128
//	  stack_size: 0x10000
//	  tls_size: 0x1000
//
// # Thread Safety
//
// Partition is safe for concurrent use. Observers are called from process
// goroutines and must not block.
package runtime
