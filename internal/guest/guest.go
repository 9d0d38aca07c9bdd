// Package guest synthesizes small process modules that follow the apex-wasm
// guest contract. They stand in for compiled C processes in tests, the example
// and the apexrun demo.
package guest

import (
	"github.com/wippyai/apex-wasm/wasm"
)

// Export and import names of the guest contract.
const (
	StackPointer = "__stack_pointer"
	TLSBase      = "__tls_base"
	ProcPtr      = "__apex_wasm_proc_ptr"
	ProcAlloc    = "__apex_wasm_proc_alloc"
	ProcFree     = "__apex_wasm_proc_free"
)

// Config shapes the synthesized process.
//
// The entry function takes (argc, argv i32) and returns i32. It stores argc at
// the TLS base, pushes a 16-byte frame holding argv, optionally spins Work times
// checking that neither value was overwritten (trapping if one was), bumps the
// i32 at CounterAddr atomically, pops the frame and returns argc+argv read back
// from memory.
type Config struct {
	HostModule string
	MemoryName string
	Memory     wasm.Limits

	// AllocModule, when set, makes the process import __apex_wasm_proc_alloc and
	// __apex_wasm_proc_free from that module and re-export them as functions of
	// its own, the way a compiled process carries its allocator.
	AllocModule string

	Entry       string
	Work        uint32
	CounterAddr uint32

	// OmitProcPtr leaves __apex_wasm_proc_ptr unexported.
	OmitProcPtr bool

	// AllocInMain and FreeInMain call the allocator from inside the entry
	// function. Under a harness that binds the slot itself, both are protocol
	// violations.
	AllocInMain bool
	FreeInMain  bool
}

// DefaultMaxPages is the memory maximum used when Config.Memory has none.
const DefaultMaxPages = 256

func (c *Config) defaults() {
	if c.HostModule == "" {
		c.HostModule = "env"
	}
	if c.MemoryName == "" {
		c.MemoryName = "memory"
	}
	if c.Entry == "" {
		c.Entry = "main"
	}
	if c.Memory.Min == 0 {
		c.Memory.Min = 1
	}
	if c.Memory.Max == nil {
		maxPages := uint64(DefaultMaxPages)
		c.Memory.Max = &maxPages
	}
	c.Memory.Shared = true
}

const (
	globalSP uint32 = iota
	globalTLS
	globalProcPtr
)

// entry function locals after the two params
const (
	localArgc uint32 = iota
	localArgv
	localResult
	localCount
)

// Process builds the module binary for cfg.
func Process(cfg Config) []byte {
	cfg.defaults()

	var m wasm.Module
	i32 := []wasm.ValType{wasm.ValI32}

	m.Imports = append(m.Imports, wasm.Import{
		Module: cfg.HostModule,
		Name:   cfg.MemoryName,
		Desc:   wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: cfg.Memory}},
	})

	selfBind := cfg.AllocModule != ""
	var allocIdx, freeIdx uint32
	if selfBind {
		allocType := m.AddType(wasm.FuncType{Results: i32})
		freeType := m.AddType(wasm.FuncType{})
		m.Imports = append(m.Imports,
			wasm.Import{Module: cfg.AllocModule, Name: ProcAlloc, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: allocType}},
			wasm.Import{Module: cfg.AllocModule, Name: ProcFree, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: freeType}},
		)
		allocIdx, freeIdx = 0, 1
	}
	imported := m.NumImportedFuncs()

	for range 3 {
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: wasm.I32ConstExpr(0),
		})
	}
	m.Exports = append(m.Exports,
		wasm.Export{Name: StackPointer, Kind: wasm.KindGlobal, Idx: globalSP},
		wasm.Export{Name: TLSBase, Kind: wasm.KindGlobal, Idx: globalTLS},
	)
	if !cfg.OmitProcPtr {
		m.Exports = append(m.Exports, wasm.Export{Name: ProcPtr, Kind: wasm.KindGlobal, Idx: globalProcPtr})
	}

	entryType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: i32})
	m.Funcs = append(m.Funcs, entryType)
	m.Code = append(m.Code, wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI32}},
		Code:   entryBody(&cfg, allocIdx, freeIdx),
	})
	m.Exports = append(m.Exports, wasm.Export{Name: cfg.Entry, Kind: wasm.KindFunc, Idx: imported})

	if selfBind {
		for i, name := range []string{ProcAlloc, ProcFree} {
			var c wasm.Code
			c.Call(uint32(i)).End()
			m.Funcs = append(m.Funcs, m.Imports[1+i].Desc.TypeIdx)
			m.Code = append(m.Code, wasm.FuncBody{Code: c.Bytes()})
			m.Exports = append(m.Exports, wasm.Export{Name: name, Kind: wasm.KindFunc, Idx: imported + 1 + uint32(i)})
		}
	}

	return m.Encode()
}

func entryBody(cfg *Config, allocIdx, freeIdx uint32) []byte {
	var c wasm.Code

	if cfg.AllocInMain && cfg.AllocModule != "" {
		c.Call(allocIdx).Drop()
	}

	// [tls] = argc
	c.GlobalGet(globalTLS).LocalGet(localArgc).I32Store(0)

	// push a frame, [sp] = argv
	c.GlobalGet(globalSP).I32Const(16).I32Sub().GlobalSet(globalSP)
	c.GlobalGet(globalSP).LocalGet(localArgv).I32Store(0)

	if cfg.Work > 0 {
		c.I32Const(int32(cfg.Work)).LocalSet(localCount)
		c.Loop()
		c.GlobalGet(globalTLS).I32Load(0).LocalGet(localArgc).I32Ne().If().Unreachable().End()
		c.GlobalGet(globalSP).I32Load(0).LocalGet(localArgv).I32Ne().If().Unreachable().End()
		c.LocalGet(localCount).I32Const(1).I32Sub().LocalTee(localCount).BrIf(0)
		c.End()
	}

	if cfg.CounterAddr != 0 {
		c.I32Const(int32(cfg.CounterAddr)).I32Const(1).I32AtomicRmwAdd(0).Drop()
	}

	c.GlobalGet(globalSP).I32Load(0)
	c.GlobalGet(globalTLS).I32Load(0)
	c.I32Add().LocalSet(localResult)

	// pop
	c.GlobalGet(globalSP).I32Const(16).I32Add().GlobalSet(globalSP)

	if cfg.FreeInMain && cfg.AllocModule != "" {
		c.Call(freeIdx)
	}

	c.LocalGet(localResult).End()
	return c.Bytes()
}
