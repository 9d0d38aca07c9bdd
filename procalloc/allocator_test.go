package procalloc

import (
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wippyai/apex-wasm/errors"
)

var smallLayout = Layout{Base: 0x1000, Capacity: 4, StackSize: 0x400, TLSSize: 0x100}

func newTestAllocator(t testing.TB, l Layout) *Allocator {
	t.Helper()
	a, err := New(l)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// expectTrap runs fn and checks that it panics with a protocol violation in phase.
func expectTrap(t *testing.T, phase errors.Phase, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected %s protocol violation, got none", phase)
		}
		err, ok := r.(error)
		if !ok {
			t.Fatalf("panic value %v is not an error", r)
		}
		if !stderrors.Is(err, &errors.Error{Phase: phase, Kind: errors.KindProtocolViolation}) {
			t.Fatalf("panic %v, want [%s] protocol_violation", err, phase)
		}
	}()
	fn()
}

func TestAllocator_AcquireAscending(t *testing.T) {
	a := newTestAllocator(t, smallLayout)

	ctxs := make([]Context, 5)
	for i := 0; i < 4; i++ {
		if !a.Acquire(&ctxs[i]) {
			t.Fatalf("acquire %d failed", i+1)
		}
		idx, ok := Held(&ctxs[i])
		if !ok || idx != uint32(i) {
			t.Fatalf("acquire %d got slot %d (held=%v), want %d", i+1, idx, ok, i)
		}
	}

	if a.Acquire(&ctxs[4]) {
		t.Fatal("fifth acquire succeeded on a full table")
	}
	if Bound(&ctxs[4]) || ctxs[4] != (Context{}) {
		t.Errorf("failed acquire touched the context: %+v", ctxs[4])
	}
	if a.InUse() != 4 {
		t.Errorf("InUse() = %d, want 4", a.InUse())
	}

	err := a.TryAcquire(&ctxs[4])
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseAcquire, Kind: errors.KindExhausted}) {
		t.Errorf("TryAcquire() = %v, want exhausted", err)
	}
}

func TestAllocator_Registers(t *testing.T) {
	a := newTestAllocator(t, smallLayout)
	table := a.Table()

	for i := uint32(0); i < table.Len(); i++ {
		var ctx Context
		if !a.Acquire(&ctx) {
			t.Fatalf("acquire %d failed", i)
		}
		s, _ := table.Slot(i)
		if ctx.TLSBase() != s.TLS.Start {
			t.Errorf("slot %d: tls base %#x, want %#x", i, ctx.TLSBase(), s.TLS.Start)
		}
		if ctx.FrameBase()%FrameAlign != 0 || !s.Stack.Contains(ctx.FrameBase()) {
			t.Errorf("slot %d: frame base %#x not aligned inside %+v", i, ctx.FrameBase(), s.Stack)
		}
		if ctx.OwnedSlot() != i+1 {
			t.Errorf("slot %d: owned register %d, want %d", i, ctx.OwnedSlot(), i+1)
		}
	}
}

func TestAllocator_ReleaseRecyclesLowest(t *testing.T) {
	a := newTestAllocator(t, smallLayout)

	ctxs := make([]Context, 4)
	for i := range ctxs {
		if !a.Acquire(&ctxs[i]) {
			t.Fatalf("acquire %d failed", i)
		}
	}
	before := ctxs[2]

	a.Release(&ctxs[2])
	if Bound(&ctxs[2]) {
		t.Fatal("context still bound after release")
	}
	if a.Registry().InUse(2) {
		t.Fatal("slot 2 still marked used")
	}

	var next Context
	if !a.Acquire(&next) {
		t.Fatal("acquire after release failed")
	}
	if next != before {
		t.Errorf("reacquired registers %+v, want %+v", next, before)
	}
}

func TestAllocator_ReleasePoisons(t *testing.T) {
	a := newTestAllocator(t, smallLayout)

	var ctx Context
	a.Acquire(&ctx)
	a.Release(&ctx)

	if ctx.FrameBase() != PoisonFrameBase {
		t.Errorf("frame base %#x, want %#x", ctx.FrameBase(), PoisonFrameBase)
	}
	if ctx.TLSBase() != smallLayout.PoisonTLSBase() {
		t.Errorf("tls base %#x, want %#x", ctx.TLSBase(), smallLayout.PoisonTLSBase())
	}
	if ctx.OwnedSlot() != NoSlot {
		t.Errorf("owned slot %d, want none", ctx.OwnedSlot())
	}
	if _, ok := a.Table().Lookup(ctx.FrameBase()); ok {
		t.Error("poisoned frame base points into the table")
	}
	if _, ok := a.Table().Lookup(ctx.TLSBase()); ok {
		t.Error("poisoned tls base points into the table")
	}
	if a.InUse() != 0 {
		t.Errorf("InUse() = %d after release", a.InUse())
	}
}

func TestAllocator_ProtocolViolations(t *testing.T) {
	t.Run("release unbound", func(t *testing.T) {
		a := newTestAllocator(t, smallLayout)
		var holder Context
		a.Acquire(&holder)

		var ctx Context
		expectTrap(t, errors.PhaseRelease, func() { a.Release(&ctx) })
		if !a.Registry().InUse(0) || a.InUse() != 1 {
			t.Error("registry changed by a failed release")
		}
	})

	t.Run("double release", func(t *testing.T) {
		a := newTestAllocator(t, smallLayout)
		var ctx Context
		a.Acquire(&ctx)
		a.Release(&ctx)
		expectTrap(t, errors.PhaseRelease, func() { a.Release(&ctx) })
	})

	t.Run("acquire bound", func(t *testing.T) {
		a := newTestAllocator(t, smallLayout)
		var ctx Context
		a.Acquire(&ctx)
		held := ctx
		expectTrap(t, errors.PhaseAcquire, func() { a.Acquire(&ctx) })
		if ctx != held || a.InUse() != 1 {
			t.Error("failed acquire changed state")
		}
	})

	t.Run("owned out of range", func(t *testing.T) {
		a := newTestAllocator(t, smallLayout)
		ctx := Context{owned: smallLayout.Capacity + 1}
		expectTrap(t, errors.PhaseRelease, func() { a.Release(&ctx) })
	})

	t.Run("owned slot free", func(t *testing.T) {
		a := newTestAllocator(t, smallLayout)
		ctx := Context{owned: 2}
		expectTrap(t, errors.PhaseRelease, func() { a.Release(&ctx) })
		if a.InUse() != 0 {
			t.Error("registry changed by a failed release")
		}
	})
}

func TestAllocator_ConcurrentExclusive(t *testing.T) {
	const (
		workers    = 16
		iterations = 2000
	)
	l := Layout{Base: 0, Capacity: 8, StackSize: 64, TLSSize: 16}
	a := newTestAllocator(t, l)

	// holders[i] is the worker currently holding slot i, or 0.
	holders := make([]atomic.Int32, l.Capacity)
	var failures, violations atomic.Int64

	var wg sync.WaitGroup
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			var ctx Context
			for n := 0; n < iterations; n++ {
				if !a.Acquire(&ctx) {
					failures.Add(1)
					runtime.Gosched()
					continue
				}
				idx, _ := Held(&ctx)
				if !holders[idx].CompareAndSwap(0, id) {
					violations.Add(1)
				}
				runtime.Gosched()
				if !holders[idx].CompareAndSwap(id, 0) {
					violations.Add(1)
				}
				a.Release(&ctx)
			}
		}(int32(w))
	}
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("%d mutual exclusion violations", v)
	}
	if a.InUse() != 0 {
		t.Errorf("InUse() = %d after all releases", a.InUse())
	}
	t.Logf("%d acquire attempts found the table full", failures.Load())
}

func TestAllocator_RaceForLastSlot(t *testing.T) {
	for round := 0; round < 200; round++ {
		a := newTestAllocator(t, smallLayout)
		fill := make([]Context, smallLayout.Capacity-1)
		for i := range fill {
			a.Acquire(&fill[i])
		}

		const racers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var ctx Context
				<-start
				if a.Acquire(&ctx) {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: %d winners for one free slot", round, wins.Load())
		}
	}
}

func TestAllocator_NoAllocations(t *testing.T) {
	a := newTestAllocator(t, smallLayout)
	var ctx Context

	allocs := testing.AllocsPerRun(100, func() {
		a.Acquire(&ctx)
		a.Release(&ctx)
	})
	if allocs != 0 {
		t.Errorf("acquire/release allocated %.1f times per run", allocs)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	a := newTestAllocator(t, smallLayout)
	var c0, c1, c2 Context
	a.Acquire(&c0)
	a.Acquire(&c1)
	a.Acquire(&c2)
	a.Release(&c1)

	got := make([]bool, 6)
	n := a.Registry().Snapshot(got)
	if n != 4 {
		t.Fatalf("Snapshot wrote %d entries, want 4", n)
	}
	want := []bool{true, false, true, false, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d used = %v, want %v", i, got[i], want[i])
		}
	}
	if a.Registry().InUse(99) {
		t.Error("InUse out of range should be false")
	}
}

func BenchmarkAllocator_AcquireRelease(b *testing.B) {
	a := newTestAllocator(b, DefaultLayout())
	b.RunParallel(func(pb *testing.PB) {
		var ctx Context
		for pb.Next() {
			if a.Acquire(&ctx) {
				a.Release(&ctx)
			}
		}
	})
}
