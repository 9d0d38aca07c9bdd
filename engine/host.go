package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/procalloc"
)

// Host function names of the slot allocator.
const (
	ProcAllocFunc = "__apex_wasm_proc_alloc"
	ProcFreeFunc  = "__apex_wasm_proc_free"
)

// DefineProcAlloc registers a host module named module with two functions:
//
//	__apex_wasm_proc_alloc () -> i32   acquire a slot for the caller, 1 on success, 0 when exhausted
//	__apex_wasm_proc_free  ()          release the caller's slot
//
// Both act on the registers of the calling instance. A protocol violation
// traps the caller.
func (e *Engine) DefineProcAlloc(ctx context.Context, module string, alloc *procalloc.Allocator) error {
	h := &procAllocHost{engine: e, alloc: alloc}

	_, err := e.runtime.NewHostModuleBuilder(module).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.acquire), nil, []api.ValueType{api.ValueTypeI32}).
		Export(ProcAllocFunc).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.release), nil, nil).
		Export(ProcFreeFunc).
		Instantiate(ctx)
	if err != nil {
		return errors.Registration(module, ProcAllocFunc, err)
	}

	Logger().Info("slot allocator defined",
		zap.String("module", module),
		zap.Uint32("capacity", alloc.Layout().Capacity))
	return nil
}

type procAllocHost struct {
	engine *Engine
	alloc  *procalloc.Allocator
}

func (h *procAllocHost) registers(mod api.Module) *GlobalRegisters {
	regs, err := h.engine.Registers(mod)
	if err != nil {
		panic(err)
	}
	return regs
}

func (h *procAllocHost) acquire(_ context.Context, mod api.Module, stack []uint64) {
	regs := h.registers(mod)
	defer logViolation(mod, ProcAllocFunc)

	if !h.alloc.Acquire(regs) {
		stack[0] = api.EncodeI32(0)
		Logger().Warn("slot table exhausted", zap.String("module", mod.Name()))
		return
	}
	stack[0] = api.EncodeI32(1)

	if ce := Logger().Check(zap.DebugLevel, "slot acquired"); ce != nil {
		ce.Write(zap.String("module", mod.Name()), zap.Uint32("owned", regs.OwnedSlot()))
	}
}

func (h *procAllocHost) release(_ context.Context, mod api.Module, _ []uint64) {
	regs := h.registers(mod)
	defer logViolation(mod, ProcFreeFunc)

	owned := regs.OwnedSlot()
	h.alloc.Release(regs)

	if ce := Logger().Check(zap.DebugLevel, "slot released"); ce != nil {
		ce.Write(zap.String("module", mod.Name()), zap.Uint32("owned", owned))
	}
}

// logViolation logs a protocol violation on its way to becoming a trap.
func logViolation(mod api.Module, fn string) {
	if r := recover(); r != nil {
		Logger().Warn("slot protocol violation",
			zap.String("module", mod.Name()),
			zap.String("func", fn),
			zap.Any("cause", r))
		panic(r)
	}
}
