package engine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/procalloc"
)

// Default names of the globals a process module exports.
const (
	DefaultStackPointer = "__stack_pointer"
	DefaultTLSBase      = "__tls_base"
	DefaultProcPtr      = "__apex_wasm_proc_ptr"
)

// GlobalNames names the exported globals that hold a process's registers.
type GlobalNames struct {
	StackPointer string `yaml:"stack_pointer"`
	TLSBase      string `yaml:"tls_base"`
	ProcPtr      string `yaml:"proc_ptr"`
}

// DefaultGlobalNames returns the names compilers and the guest header use.
func DefaultGlobalNames() GlobalNames {
	return GlobalNames{
		StackPointer: DefaultStackPointer,
		TLSBase:      DefaultTLSBase,
		ProcPtr:      DefaultProcPtr,
	}
}

func (n GlobalNames) withDefaults() GlobalNames {
	if n.StackPointer == "" {
		n.StackPointer = DefaultStackPointer
	}
	if n.TLSBase == "" {
		n.TLSBase = DefaultTLSBase
	}
	if n.ProcPtr == "" {
		n.ProcPtr = DefaultProcPtr
	}
	return n
}

// GlobalRegisters implements procalloc.Registers over an instance's exported
// mutable i32 globals. When the module does not export the owned-slot global,
// the binding holds that register itself.
type GlobalRegisters struct {
	frame api.MutableGlobal
	tls   api.MutableGlobal
	owned api.MutableGlobal
	held  uint32
}

var _ procalloc.Registers = (*GlobalRegisters)(nil)

// BindGlobals looks up the register globals of mod. The stack pointer and TLS
// base must be exported mutable i32 globals; the owned-slot global is optional.
func BindGlobals(mod api.Module, names GlobalNames) (*GlobalRegisters, error) {
	names = names.withDefaults()

	frame, err := mutableI32(mod, names.StackPointer, true)
	if err != nil {
		return nil, err
	}
	tls, err := mutableI32(mod, names.TLSBase, true)
	if err != nil {
		return nil, err
	}
	owned, err := mutableI32(mod, names.ProcPtr, false)
	if err != nil {
		return nil, err
	}
	return &GlobalRegisters{frame: frame, tls: tls, owned: owned}, nil
}

func mutableI32(mod api.Module, name string, required bool) (api.MutableGlobal, error) {
	g := mod.ExportedGlobal(name)
	if g == nil {
		if !required {
			return nil, nil
		}
		return nil, errors.MissingExport(errors.PhaseLink, mod.Name(), name, "mutable i32 global")
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok || g.Type() != api.ValueTypeI32 {
		return nil, errors.New(errors.PhaseLink, errors.KindInvalidInput).
			Module(mod.Name()).
			Symbol(name).
			Detail("global must be a mutable i32, got %s", api.ValueTypeName(g.Type())).
			Build()
	}
	return mg, nil
}

// HostHeld reports whether the owned-slot register lives in the binding
// rather than in a guest global.
func (r *GlobalRegisters) HostHeld() bool { return r.owned == nil }

func (r *GlobalRegisters) FrameBase() uint32     { return uint32(r.frame.Get()) }
func (r *GlobalRegisters) SetFrameBase(v uint32) { r.frame.Set(uint64(v)) }
func (r *GlobalRegisters) TLSBase() uint32       { return uint32(r.tls.Get()) }
func (r *GlobalRegisters) SetTLSBase(v uint32)   { r.tls.Set(uint64(v)) }

func (r *GlobalRegisters) OwnedSlot() uint32 {
	if r.owned == nil {
		return r.held
	}
	return uint32(r.owned.Get())
}

func (r *GlobalRegisters) SetOwnedSlot(v uint32) {
	if r.owned == nil {
		r.held = v
		return
	}
	r.owned.Set(uint64(v))
}
