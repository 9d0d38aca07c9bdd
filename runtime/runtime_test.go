package runtime

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/wippyai/apex-wasm/engine"
	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/internal/guest"
	"github.com/wippyai/apex-wasm/procalloc"
	"github.com/wippyai/apex-wasm/wasm"
)

const counterAddr = 0x100

func testConfig(capacity uint32) Config {
	cfg := DefaultConfig()
	cfg.Layout = procalloc.Layout{Base: 0x10000, Capacity: capacity, StackSize: 0x400, TLSSize: 0x100}
	return cfg
}

func newTestPartition(t *testing.T, cfg Config) *Partition {
	t.Helper()
	ctx := context.Background()
	p, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })
	return p
}

func load(t *testing.T, p *Partition, name string, cfg guest.Config) *engine.Module {
	t.Helper()
	m, err := p.Load(context.Background(), name, guest.Process(cfg))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func create(t *testing.T, p *Partition, attr ProcessAttribute) ProcessID {
	t.Helper()
	pid, err := p.CreateProcess(attr)
	if err != nil {
		t.Fatalf("CreateProcess(%s): %v", attr.Name, err)
	}
	return pid
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnProcessEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types(pid ProcessID) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []EventType
	for _, e := range r.events {
		if e.PID == pid {
			types = append(types, e.Type)
		}
	}
	return types
}

func TestPartition_RunsProcesses(t *testing.T) {
	tests := []struct {
		name  string
		guest guest.Config
	}{
		{"host bound", guest.Config{}},
		{"guest bound", guest.Config{AllocModule: "apex"}},
		{"host held owned slot", guest.Config{OmitProcPtr: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := newTestPartition(t, testConfig(4))
			mod := load(t, p, "proc", tt.guest)

			names := []string{"pp_a", "pp_b", "pp_c", "pp_d"}
			for i, name := range names {
				create(t, p, ProcessAttribute{
					Name:   name,
					Module: mod,
					Args:   &Args{Argc: int32(i + 1), Argv: int32(0x1000 * (i + 1))},
				})
			}
			if err := p.StartAll(ctx); err != nil {
				t.Fatalf("StartAll: %v", err)
			}

			results := p.Wait()
			if len(results) != len(names) {
				t.Fatalf("got %d results, want %d", len(results), len(names))
			}
			table := p.Allocator().Table()
			uses := make(map[uint32]int)
			for _, r := range results {
				if r.Bound {
					uses[r.Slot]++
				}
			}
			for i, r := range results {
				if r.Err != nil {
					t.Errorf("%s: %v", r.Name, r.Err)
					continue
				}
				argc, argv := uint64(i+1), uint64(0x1000*(i+1))
				if len(r.Values) != 1 || r.Values[0] != argc+argv {
					t.Errorf("%s: values = %v, want [%d]", r.Name, r.Values, argc+argv)
				}
				if !r.Bound {
					t.Errorf("%s: not bound", r.Name)
					continue
				}
				if uses[r.Slot] > 1 {
					// a later process reused the slot
					continue
				}
				slot, _ := table.Slot(r.Slot)
				tls, err := p.Memory().ReadU32(slot.TLS.Start)
				if err != nil || uint64(tls) != argc {
					t.Errorf("%s: TLS word = %d (%v), want %d", r.Name, tls, err, argc)
				}
			}
			if n := p.Allocator().InUse(); n != 0 {
				t.Errorf("slots in use after Wait = %d", n)
			}
			for _, info := range p.Processes() {
				if info.State != StateExited || info.Owned != procalloc.NoSlot {
					t.Errorf("%s: state %s owned %d", info.Name, info.State, info.Owned)
				}
			}
		})
	}
}

func TestPartition_Exhausted(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, testConfig(2))
	mod := load(t, p, "proc", guest.Config{})

	var held [2]procalloc.Context
	for i := range held {
		if !p.Allocator().Acquire(&held[i]) {
			t.Fatalf("pre-acquire %d failed", i)
		}
	}

	pid := create(t, p, ProcessAttribute{Name: "late", Module: mod})
	if err := p.Start(ctx, pid); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := p.Wait()[0]
	if !stderrors.Is(res.Err, &errors.Error{Phase: errors.PhaseAcquire, Kind: errors.KindExhausted}) {
		t.Fatalf("err = %v, want exhausted", res.Err)
	}
	if res.Values != nil || res.Bound {
		t.Errorf("exhausted process ran: %+v", res)
	}
	if !strings.Contains(res.Err.Error(), "proc") {
		t.Errorf("err = %v, want module named", res.Err)
	}
	if n := p.Allocator().InUse(); n != 2 {
		t.Errorf("in use = %d, want 2", n)
	}
}

func TestPartition_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		guest guest.Config
	}{
		{"free twice", guest.Config{AllocModule: "apex", FreeInMain: true}},
		{"alloc while bound", guest.Config{AllocModule: "apex", AllocInMain: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := newTestPartition(t, testConfig(4))
			create(t, p, ProcessAttribute{Name: "bad", Module: load(t, p, "proc", tt.guest)})
			if err := p.StartAll(ctx); err != nil {
				t.Fatalf("StartAll: %v", err)
			}

			res := p.Wait()[0]
			if res.Err == nil || !strings.Contains(res.Err.Error(), string(errors.KindProtocolViolation)) {
				t.Fatalf("err = %v, want protocol violation", res.Err)
			}
			if n := p.Allocator().InUse(); n != 0 {
				t.Errorf("in use = %d, want 0", n)
			}
			if st := p.Processes()[0].State; st != StateFailed {
				t.Errorf("state = %s, want failed", st)
			}
		})
	}
}

func TestPartition_Events(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, testConfig(4))
	rec := &recorder{}
	p.Subscribe(rec)

	pid := create(t, p, ProcessAttribute{Name: "observed", Module: load(t, p, "proc", guest.Config{})})
	if err := p.Start(ctx, pid); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Wait()

	want := []EventType{EventCreated, EventStarted, EventBound, EventReleased, EventExited}
	got := rec.types(pid)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	p.Unsubscribe(rec)
	create(t, p, ProcessAttribute{Name: "unobserved", Module: load(t, p, "proc2", guest.Config{})})
	if n := len(rec.types(1)); n != 0 {
		t.Errorf("unsubscribed observer got %d events", n)
	}
}

func TestPartition_ExitWhileSiblingRuns(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, testConfig(4))
	quick := load(t, p, "quick", guest.Config{Work: 1})
	slow := load(t, p, "slow", guest.Config{Work: 200000})

	create(t, p, ProcessAttribute{Name: "slow", Module: slow, Args: &Args{Argc: 4, Argv: 0x4000}})
	for i := range 3 {
		create(t, p, ProcessAttribute{Name: processName("quick", i), Module: quick})
	}
	if err := p.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	for _, r := range p.Wait() {
		if r.Err != nil {
			t.Errorf("%s: %v", r.Name, r.Err)
		}
	}
	res, _ := p.Result(0)
	if len(res.Values) != 1 || res.Values[0] != 4+0x4000 {
		t.Errorf("slow: values = %v", res.Values)
	}
	if n := p.Allocator().InUse(); n != 0 {
		t.Errorf("in use = %d, want 0", n)
	}
}

func TestPartition_CancelReleasesSlot(t *testing.T) {
	tests := []struct {
		name  string
		guest guest.Config
	}{
		{"host bound", guest.Config{Work: 1 << 30}},
		{"guest bound", guest.Config{AllocModule: "apex", Work: 1 << 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPartition(t, testConfig(1))
			pid := create(t, p, ProcessAttribute{Name: "stuck", Module: load(t, p, "stuck", tt.guest)})

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			if err := p.Start(ctx, pid); err != nil {
				t.Fatalf("Start: %v", err)
			}
			res := p.Wait()[0]
			if res.Err == nil {
				t.Fatal("cancelled process succeeded")
			}
			if !res.Bound {
				t.Error("process never bound")
			}
			if n := p.Allocator().InUse(); n != 0 {
				t.Fatalf("in use after cancelled process = %d, want 0", n)
			}

			next := create(t, p, ProcessAttribute{Name: "next", Module: load(t, p, "next", guest.Config{AllocModule: tt.guest.AllocModule})})
			if err := p.Start(context.Background(), next); err != nil {
				t.Fatalf("Start: %v", err)
			}
			p.Wait()
			if r, _ := p.Result(next); r.Err != nil || r.Slot != 0 {
				t.Errorf("next: slot %d err %v", r.Slot, r.Err)
			}
		})
	}
}

func TestPartition_CreateProcessErrors(t *testing.T) {
	p := newTestPartition(t, testConfig(4))
	mod := load(t, p, "proc", guest.Config{})
	create(t, p, ProcessAttribute{Name: "pp_main", Module: mod})

	unshared := (&wasm.Module{Imports: []wasm.Import{{
		Module: "env", Name: "memory",
		Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1}}},
	}}}).Encode()
	unsharedMod, err := p.Load(context.Background(), "unshared", unshared)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name  string
		attr  ProcessAttribute
		phase errors.Phase
		kind  errors.Kind
	}{
		{"duplicate ignoring case", ProcessAttribute{Name: "PP_MAIN", Module: mod}, errors.PhaseConfig, errors.KindDuplicate},
		{"empty name", ProcessAttribute{Module: mod}, errors.PhaseConfig, errors.KindInvalidInput},
		{"long name", ProcessAttribute{Name: strings.Repeat("x", MaxNameLength+1), Module: mod}, errors.PhaseConfig, errors.KindInvalidInput},
		{"no module", ProcessAttribute{Name: "nil"}, errors.PhaseConfig, errors.KindInvalidInput},
		{"unshared memory", ProcessAttribute{Name: "unshared", Module: unsharedMod}, errors.PhaseLink, errors.KindIncompatibleMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.CreateProcess(tt.attr)
			if !stderrors.Is(err, &errors.Error{Phase: tt.phase, Kind: tt.kind}) {
				t.Errorf("err = %v, want %s %s", err, tt.phase, tt.kind)
			}
		})
	}
}

func TestPartition_StartErrors(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, testConfig(4))
	pid := create(t, p, ProcessAttribute{Name: "once", Module: load(t, p, "proc", guest.Config{})})

	if err := p.Start(ctx, 7); !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound}) {
		t.Errorf("Start(unknown) = %v", err)
	}
	if err := p.Start(ctx, pid); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx, pid); err == nil {
		t.Error("second Start should fail")
	}
	p.Wait()
	if _, ok := p.Result(pid); !ok {
		t.Error("Result not available after Wait")
	}
}

func TestRun_ContendedSlots(t *testing.T) {
	const procs = 12
	bin := guest.Process(guest.Config{Work: 5000, CounterAddr: counterAddr})

	cfg := testConfig(4)
	cfg.Argc, cfg.Argv = 5, 0x20000
	results, err := Run(context.Background(), cfg, procs, Binary{Name: "worker", Bytes: bin})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != procs {
		t.Fatalf("got %d results, want %d", len(results), procs)
	}

	ok := 0
	for i, r := range results {
		if want := processName("worker", i); r.Name != want {
			t.Errorf("result %d name = %q, want %q", i, r.Name, want)
		}
		switch {
		case r.Err == nil:
			ok++
			if r.Values[0] != 5+0x20000 {
				t.Errorf("%s: value = %d", r.Name, r.Values[0])
			}
			if r.Slot >= 4 {
				t.Errorf("%s: slot %d out of range", r.Name, r.Slot)
			}
		case stderrors.Is(r.Err, &errors.Error{Phase: errors.PhaseAcquire, Kind: errors.KindExhausted}):
		default:
			t.Errorf("%s: unexpected error %v", r.Name, r.Err)
		}
	}
	if ok == 0 {
		t.Error("no process ran")
	}
}

func TestProcessName(t *testing.T) {
	if got := processName("proc", 3); got != "proc.3" {
		t.Errorf("processName = %q", got)
	}
	long := strings.Repeat("a", 40)
	if got := processName(long, 12); len(got) != MaxNameLength || !strings.HasSuffix(got, ".12") {
		t.Errorf("processName(long) = %q", got)
	}
	// 2-byte runes: a byte cut at 29 would split one
	wide := strings.Repeat("é", 20)
	if got := processName(wide, 12); !utf8.ValidString(got) || len(got) > MaxNameLength || got != strings.Repeat("é", 14)+".12" {
		t.Errorf("processName(wide) = %q", got)
	}
}

func TestPartition_SpawnTrimmedNamesUnique(t *testing.T) {
	p := newTestPartition(t, testConfig(4))
	bin := guest.Process(guest.Config{})
	prefix := strings.Repeat("x", 35)

	err := p.Spawn(context.Background(), 2,
		Binary{Name: prefix + "_one", Bytes: bin},
		Binary{Name: prefix + "_two", Bytes: bin})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	seen := make(map[string]bool)
	for _, info := range p.Processes() {
		if len(info.Name) > MaxNameLength || seen[info.Name] {
			t.Errorf("bad or duplicate name %q", info.Name)
		}
		seen[info.Name] = true
	}
	if len(seen) != 4 {
		t.Errorf("got %d processes, want 4", len(seen))
	}
}
