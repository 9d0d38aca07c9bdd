package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/wasm"
)

// Config holds configuration for engine creation
type Config struct {
	// Globals names the exported globals bound to each instance.
	// Empty fields fall back to DefaultGlobalNames.
	Globals GlobalNames

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// Engine wraps a wazero runtime with the threads proposal enabled.
type Engine struct {
	runtime wazero.Runtime
	names   GlobalNames

	// api.Module -> *GlobalRegisters
	bindings sync.Map
}

// NewEngine creates an engine. A nil cfg uses defaults.
func NewEngine(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		names:   cfg.Globals.withDefaults(),
	}

	Logger().Debug("engine created", zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages))
	return e, nil
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// GlobalNames returns the global names instances are bound with.
func (e *Engine) GlobalNames() GlobalNames {
	return e.names
}

// Module is a compiled process module.
type Module struct {
	compiled wazero.CompiledModule
	name     string
	memories []wasm.MemoryImport
}

// Compile validates and compiles a core module. name labels the module in
// errors and logs.
func (e *Engine) Compile(ctx context.Context, name string, bin []byte) (*Module, error) {
	memories, err := wasm.ImportedMemories(bin)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(name).
			Detail("read memory imports").
			Cause(err).
			Build()
	}

	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(name).
			Detail("compile failed").
			Cause(err).
			Build()
	}

	return &Module{compiled: compiled, name: name, memories: memories}, nil
}

// Name returns the label given at compile time.
func (m *Module) Name() string { return m.name }

// MemoryImports returns the module's imported memories in import order.
func (m *Module) MemoryImports() []wasm.MemoryImport { return m.memories }

// ExportsFunction reports whether the module exports a function called name.
func (m *Module) ExportsFunction(name string) bool {
	_, ok := m.compiled.ExportedFunctions()[name]
	return ok
}

// Close releases the compiled code.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instance is a running process module with its globals bound.
type Instance struct {
	engine *Engine
	module *Module
	mod    api.Module
	regs   *GlobalRegisters
}

// Instantiate creates an anonymous instance of m, so any number of instances
// of one module can run side by side, and binds its globals. Start functions
// are not run; the caller invokes the entry point once a slot is bound.
func (e *Engine) Instantiate(ctx context.Context, m *Module) (*Instance, error) {
	modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()

	mod, err := e.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(m.name, err)
	}

	regs, err := BindGlobals(mod, e.names)
	if err != nil {
		_ = mod.Close(ctx)
		if ae, ok := err.(*errors.Error); ok {
			ae.Module = m.name
		}
		return nil, err
	}
	e.bindings.Store(mod, regs)

	return &Instance{engine: e, module: m, mod: mod, regs: regs}, nil
}

// Registers returns the binding of the instance's globals.
func (i *Instance) Registers() *GlobalRegisters { return i.regs }

// Module returns the compiled module the instance was created from.
func (i *Instance) Module() *Module { return i.module }

// HasFunction reports whether the instance exports a function called name.
func (i *Instance) HasFunction(name string) bool {
	return i.mod.ExportedFunction(name) != nil
}

// Call invokes an exported function. Guest traps, including protocol
// violations raised by the allocator host functions, are returned as trap
// errors wrapping wazero's error.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.MissingExport(errors.PhaseRuntime, i.module.name, name, "function")
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Trap(i.module.name, name, err)
	}
	return results, nil
}

// Close closes the instance and drops its binding.
func (i *Instance) Close(ctx context.Context) error {
	i.engine.bindings.Delete(i.mod)
	return i.mod.Close(ctx)
}

// Registers returns the binding for mod, binding it on first use for modules
// instantiated outside Instantiate.
func (e *Engine) Registers(mod api.Module) (*GlobalRegisters, error) {
	if v, ok := e.bindings.Load(mod); ok {
		return v.(*GlobalRegisters), nil
	}
	regs, err := BindGlobals(mod, e.names)
	if err != nil {
		return nil, err
	}
	v, _ := e.bindings.LoadOrStore(mod, regs)
	return v.(*GlobalRegisters), nil
}
