package runtime

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/apex-wasm/engine"
	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/procalloc"
)

// Partition runs processes, one goroutine each, against one shared memory and
// one slot table.
type Partition struct {
	cfg    Config
	engine *engine.Engine
	alloc  *procalloc.Allocator

	memory *engine.SharedMemory
	procs  []*process
	mu     sync.Mutex
	wg     sync.WaitGroup

	observers []Observer
	obsMu     sync.RWMutex
}

// New creates a partition with the slot allocator host module defined. The
// shared memory is defined when the first process starts, sized for every
// process created by then.
func New(ctx context.Context, cfg Config) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := engine.NewEngine(ctx, &engine.Config{
		Globals:          cfg.Globals,
		MemoryLimitPages: cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	alloc, err := procalloc.New(cfg.Layout)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}
	if err := eng.DefineProcAlloc(ctx, cfg.AllocModule, alloc); err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	return &Partition{cfg: cfg, engine: eng, alloc: alloc}, nil
}

// Close closes the engine, which ends running processes at their next
// context check, and waits for their goroutines.
func (p *Partition) Close(ctx context.Context) error {
	err := p.engine.Close(ctx)
	p.wg.Wait()
	return err
}

// Config returns the partition configuration.
func (p *Partition) Config() Config { return p.cfg }

// Allocator returns the slot allocator.
func (p *Partition) Allocator() *procalloc.Allocator { return p.alloc }

// Memory returns the shared memory, or nil before the first process starts.
func (p *Partition) Memory() *engine.SharedMemory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory
}

// Slots writes slot occupancy into dst and returns the number of entries
// written.
func (p *Partition) Slots(dst []bool) int {
	return p.alloc.Registry().Snapshot(dst)
}

// Load compiles a process module.
func (p *Partition) Load(ctx context.Context, name string, bin []byte) (*engine.Module, error) {
	return p.engine.Compile(ctx, name, bin)
}

// CreateProcess adds a dormant process. Names are unique ignoring case.
func (p *Partition) CreateProcess(attr ProcessAttribute) (ProcessID, error) {
	switch {
	case attr.Name == "":
		return 0, errors.InvalidInput(errors.PhaseConfig, "process name must not be empty")
	case len(attr.Name) > MaxNameLength:
		return 0, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("process name %q longer than %d bytes", attr.Name, MaxNameLength).
			Build()
	case attr.Module == nil:
		return 0, errors.InvalidInput(errors.PhaseConfig, "process module must not be nil")
	}

	p.mu.Lock()
	for _, proc := range p.procs {
		if strings.EqualFold(proc.attr.Name, attr.Name) {
			p.mu.Unlock()
			return 0, errors.Duplicate(errors.PhaseConfig, "process", attr.Name)
		}
	}
	if err := p.checkMemoryLocked(attr.Module); err != nil {
		p.mu.Unlock()
		return 0, err
	}

	proc := &process{
		attr: attr,
		id:   ProcessID(len(p.procs)),
		done: make(chan struct{}),
	}
	p.procs = append(p.procs, proc)
	p.mu.Unlock()

	Logger().Debug("process created", zap.String("name", attr.Name), zap.Int("pid", int(proc.id)))
	p.notify(Event{Type: EventCreated, PID: proc.id, Name: attr.Name})
	return proc.id, nil
}

func (p *Partition) checkMemoryLocked(m *engine.Module) error {
	if p.memory != nil {
		return engine.CheckMemory(m, p.cfg.HostModule, p.cfg.MemoryName, p.memory.Limits())
	}
	_, err := engine.InferSharedMemory(p.cfg.HostModule, p.cfg.MemoryName, p.cfg.Layout, m)
	return err
}

// Start starts one dormant process.
func (p *Partition) Start(ctx context.Context, pid ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(pid) < 0 || int(pid) >= len(p.procs) {
		return errors.NotFound(errors.PhaseRuntime, "process", strconv.Itoa(int(pid)))
	}
	proc := p.procs[pid]
	if proc.started {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("process %q already started", proc.attr.Name).
			Build()
	}
	if err := p.defineMemoryLocked(ctx); err != nil {
		return err
	}
	p.startLocked(ctx, proc)
	return nil
}

// StartAll starts every dormant process.
func (p *Partition) StartAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.defineMemoryLocked(ctx); err != nil {
		return err
	}
	for _, proc := range p.procs {
		if !proc.started {
			p.startLocked(ctx, proc)
		}
	}
	return nil
}

func (p *Partition) defineMemoryLocked(ctx context.Context) error {
	if p.memory != nil {
		return nil
	}

	modules := make([]*engine.Module, 0, len(p.procs))
	for _, proc := range p.procs {
		modules = append(modules, proc.attr.Module)
	}
	limits, err := engine.InferSharedMemory(p.cfg.HostModule, p.cfg.MemoryName, p.cfg.Layout, modules...)
	if err != nil {
		return err
	}
	mem, err := p.engine.DefineSharedMemory(ctx, p.cfg.HostModule, p.cfg.MemoryName, limits)
	if err != nil {
		return err
	}
	p.memory = mem
	return nil
}

func (p *Partition) startLocked(ctx context.Context, proc *process) {
	proc.started = true
	p.wg.Add(1)
	go p.run(ctx, proc)
}

// Wait blocks until every started process has finished and returns their
// results in creation order.
func (p *Partition) Wait() []Result {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	results := make([]Result, 0, len(p.procs))
	for _, proc := range p.procs {
		if proc.started {
			results = append(results, proc.result)
		}
	}
	return results
}

// Result returns the result of a finished process.
func (p *Partition) Result(pid ProcessID) (Result, bool) {
	p.mu.Lock()
	if int(pid) < 0 || int(pid) >= len(p.procs) {
		p.mu.Unlock()
		return Result{}, false
	}
	proc := p.procs[pid]
	p.mu.Unlock()

	select {
	case <-proc.done:
		return proc.result, true
	default:
		return Result{}, false
	}
}

func (p *Partition) processCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// Processes returns a snapshot of every process.
func (p *Partition) Processes() []ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ProcessInfo, len(p.procs))
	for i, proc := range p.procs {
		infos[i] = proc.info()
	}
	return infos
}

func (p *Partition) run(ctx context.Context, proc *process) {
	defer p.wg.Done()
	defer close(proc.done)

	name := proc.attr.Name
	proc.setState(StateRunning)
	p.notify(Event{Type: EventStarted, PID: proc.id, Name: name})

	proc.result = p.execute(ctx, proc)

	if err := proc.result.Err; err != nil {
		proc.setState(StateFailed)
		Logger().Warn("process failed", zap.String("name", name), zap.Error(err))
		p.notify(Event{Type: EventFailed, PID: proc.id, Name: name, Err: err})
		return
	}
	proc.setState(StateExited)
	Logger().Debug("process exited", zap.String("name", name), zap.Uint64s("values", proc.result.Values))
	p.notify(Event{Type: EventExited, PID: proc.id, Name: name})
}

func (p *Partition) execute(ctx context.Context, proc *process) Result {
	res := Result{PID: proc.id, Name: proc.attr.Name}

	inst, err := p.engine.Instantiate(ctx, proc.attr.Module)
	if err != nil {
		res.Err = err
		return res
	}
	defer inst.Close(ctx)
	regs := inst.Registers()

	if err := p.bind(ctx, inst); err != nil {
		res.Err = err
		return res
	}
	res.Slot, res.Bound = procalloc.Held(regs)
	proc.owned.Store(regs.OwnedSlot())
	if res.Bound {
		Logger().Debug("process bound", zap.String("name", res.Name), zap.Uint32("slot", res.Slot))
		p.notify(Event{Type: EventBound, PID: proc.id, Name: res.Name, Slot: res.Slot})
	}

	entry, args := p.cfg.Entry, Args{Argc: p.cfg.Argc, Argv: p.cfg.Argv}
	if proc.attr.Entry != "" {
		entry = proc.attr.Entry
	}
	if proc.attr.Args != nil {
		args = *proc.attr.Args
	}

	values, callErr := inst.Call(ctx, entry, api.EncodeI32(args.Argc), api.EncodeI32(args.Argv))
	relErr := p.unbind(ctx, inst)
	proc.owned.Store(regs.OwnedSlot())
	if res.Bound && relErr == nil {
		p.notify(Event{Type: EventReleased, PID: proc.id, Name: res.Name, Slot: res.Slot})
	}

	res.Values = values
	switch {
	case callErr == nil:
		res.Err = relErr
	case relErr == nil:
		res.Err = callErr
	default:
		res.Err = stderrors.Join(callErr, relErr)
	}
	return res
}

// bind gives inst a slot, through the guest's alloc export when it has one.
func (p *Partition) bind(ctx context.Context, inst *engine.Instance) error {
	if !inst.HasFunction(p.cfg.ProcAllocName) {
		return protect(func() error {
			err := p.alloc.TryAcquire(inst.Registers())
			if ae, ok := err.(*errors.Error); ok {
				ae.Module = inst.Module().Name()
			}
			return err
		})
	}

	out, err := inst.Call(ctx, p.cfg.ProcAllocName)
	if err != nil {
		return err
	}
	if len(out) == 0 || api.DecodeI32(out[0]) != 1 {
		e := errors.Exhausted(p.alloc.Layout().Capacity)
		e.Module = inst.Module().Name()
		e.Symbol = p.cfg.ProcAllocName
		return e
	}
	return nil
}

// unbind releases inst's slot, through the guest's free export when it has
// one. A slot the export could not release, because the instance was closed
// by cancellation, is released by the host.
func (p *Partition) unbind(ctx context.Context, inst *engine.Instance) error {
	regs := inst.Registers()

	var freeErr error
	if inst.HasFunction(p.cfg.ProcFreeName) {
		if _, freeErr = inst.Call(ctx, p.cfg.ProcFreeName); freeErr == nil {
			return nil
		}
	}

	if !procalloc.Bound(regs) {
		return freeErr
	}
	if freeErr != nil {
		Logger().Warn("guest free failed, releasing slot from host",
			zap.String("module", inst.Module().Name()),
			zap.Error(freeErr))
	}
	return protect(func() error {
		p.alloc.Release(regs)
		return nil
	})
}

// protect turns a protocol violation panic from the allocator into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*errors.Error)
			if !ok {
				panic(r)
			}
			err = ae
		}
	}()
	return fn()
}
