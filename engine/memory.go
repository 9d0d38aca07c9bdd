package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	apexwasm "github.com/wippyai/apex-wasm"
	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/procalloc"
	"github.com/wippyai/apex-wasm/wasm"
)

// PagesFor returns the number of 64 KiB pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return (n + wasm.PageSize - 1) / wasm.PageSize
}

// InferSharedMemory derives the limits of the memory imported as module.name
// by every one of modules: the largest minimum and the smallest maximum. Every
// import must be shared and declare a maximum. The minimum is raised to cover
// the slot table of layout; a maximum too small for the table is an error.
func InferSharedMemory(module, name string, layout procalloc.Layout, modules ...*Module) (wasm.Limits, error) {
	need := PagesFor(layout.End())

	var (
		minPages uint64
		maxPages uint64
		seen     bool
	)
	for _, m := range modules {
		imp, err := sharedImport(m, module, name)
		if err != nil {
			return wasm.Limits{}, err
		}

		if !seen || imp.Limits.Min > minPages {
			minPages = imp.Limits.Min
		}
		if !seen || *imp.Limits.Max < maxPages {
			maxPages = *imp.Limits.Max
		}
		seen = true
	}

	if !seen {
		return wasm.Limits{Min: need, Max: &need, Shared: true}, nil
	}
	if minPages > maxPages {
		return wasm.Limits{}, errors.IncompatibleMemory(module, name,
			fmt.Sprintf("largest minimum %d exceeds smallest maximum %d pages", minPages, maxPages))
	}
	if need > maxPages {
		return wasm.Limits{}, errors.New(errors.PhaseConfig, errors.KindOutOfBounds).
			Module(module).
			Symbol(name).
			Detail("slot table ends at %#x, past the %d page maximum", layout.End(), maxPages).
			Value(need).
			Build()
	}
	minPages = max(minPages, need)

	return wasm.Limits{Min: minPages, Max: &maxPages, Shared: true}, nil
}

// CheckMemory reports whether m can link against an already defined shared
// memory with the given limits.
func CheckMemory(m *Module, module, name string, limits wasm.Limits) error {
	imp, err := sharedImport(m, module, name)
	if err != nil {
		return err
	}
	if imp.Limits.Min > limits.Min {
		return errors.IncompatibleMemory(module, name,
			fmt.Sprintf("module %q needs %d pages, memory has %d", m.name, imp.Limits.Min, limits.Min))
	}
	if limits.Max != nil && *imp.Limits.Max < *limits.Max {
		return errors.IncompatibleMemory(module, name,
			fmt.Sprintf("module %q allows at most %d pages, memory may grow to %d", m.name, *imp.Limits.Max, *limits.Max))
	}
	return nil
}

func sharedImport(m *Module, module, name string) (wasm.MemoryImport, error) {
	for _, imp := range m.memories {
		if imp.Module != module || imp.Name != name {
			continue
		}
		switch {
		case !imp.Limits.Shared:
			return imp, errors.IncompatibleMemory(module, name,
				fmt.Sprintf("module %q imports the memory unshared", m.name))
		case imp.Limits.Max == nil:
			return imp, errors.IncompatibleMemory(module, name,
				fmt.Sprintf("module %q declares no maximum", m.name))
		}
		return imp, nil
	}
	return wasm.MemoryImport{}, errors.IncompatibleMemory(module, name,
		fmt.Sprintf("module %q does not import the shared memory", m.name))
}

// SharedMemory is the linear memory shared by every process of a partition.
type SharedMemory struct {
	mod    api.Module
	mem    api.Memory
	limits wasm.Limits
}

var (
	_ apexwasm.Memory      = (*SharedMemory)(nil)
	_ apexwasm.MemorySizer = (*SharedMemory)(nil)
)

// DefineSharedMemory instantiates a module named module that exports a shared
// memory called name with the given limits.
func (e *Engine) DefineSharedMemory(ctx context.Context, module, name string, limits wasm.Limits) (*SharedMemory, error) {
	if limits.Max == nil {
		return nil, errors.IncompatibleMemory(module, name, "shared memory needs a maximum")
	}
	limits.Shared = true

	compiled, err := e.runtime.CompileModule(ctx, wasm.SharedMemoryModule(name, limits))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "compile shared memory")
	}
	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(module))
	if err != nil {
		return nil, errors.New(errors.PhaseLink, errors.KindInstantiation).
			Module(module).
			Symbol(name).
			Detail("instantiate shared memory").
			Cause(err).
			Build()
	}

	Logger().Info("shared memory defined",
		zap.String("module", module),
		zap.String("name", name),
		zap.Uint64("min_pages", limits.Min),
		zap.Uint64("max_pages", *limits.Max))

	return &SharedMemory{mod: mod, mem: mod.ExportedMemory(name), limits: limits}, nil
}

// Limits returns the limits the memory was defined with.
func (m *SharedMemory) Limits() wasm.Limits { return m.limits }

// Size returns the current size in bytes.
func (m *SharedMemory) Size() uint32 { return m.mem.Size() }

func (m *SharedMemory) outOfBounds(offset, length uint32) error {
	return errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
		Detail("%d bytes at %#x outside memory of %d bytes", length, offset, m.mem.Size()).
		Value(offset).
		Build()
}

func (m *SharedMemory) Read(offset, length uint32) ([]byte, error) {
	b, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, m.outOfBounds(offset, length)
	}
	return b, nil
}

func (m *SharedMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return m.outOfBounds(offset, uint32(len(data)))
	}
	return nil
}

func (m *SharedMemory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, m.outOfBounds(offset, 4)
	}
	return v, nil
}

func (m *SharedMemory) WriteU32(offset, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return m.outOfBounds(offset, 4)
	}
	return nil
}

// Close closes the exporting module.
func (m *SharedMemory) Close(ctx context.Context) error {
	return m.mod.Close(ctx)
}
