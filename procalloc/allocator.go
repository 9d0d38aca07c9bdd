package procalloc

import (
	"github.com/wippyai/apex-wasm/errors"
)

// Panic values are built once so the trap path allocates nothing either.
var (
	errAcquireBound   = errors.ProtocolViolation(errors.PhaseAcquire, "execution context already holds a slot")
	errReleaseUnbound = errors.ProtocolViolation(errors.PhaseRelease, "execution context holds no slot")
	errReleaseRange   = errors.ProtocolViolation(errors.PhaseRelease, "owned slot register out of range")
	errReleaseFree    = errors.ProtocolViolation(errors.PhaseRelease, "owned slot is not marked used")
)

// Allocator assigns slots of a Table to execution contexts. It is safe for
// concurrent use; the registry flags are its only synchronization.
type Allocator struct {
	table     *Table
	registry  *Registry
	poisonTLS uint32
}

// New builds an allocator over a fresh table and registry for l.
func New(l Layout) (*Allocator, error) {
	table, err := NewTable(l)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		table:     table,
		registry:  NewRegistry(l.Capacity),
		poisonTLS: l.PoisonTLSBase(),
	}, nil
}

// Table returns the slot table.
func (a *Allocator) Table() *Table { return a.table }

// Registry returns the occupancy registry.
func (a *Allocator) Registry() *Registry { return a.registry }

// Layout returns the slot layout.
func (a *Allocator) Layout() Layout { return a.table.layout }

// Acquire claims the lowest free slot for r and points r's TLS and frame bases
// into it. It returns false, leaving r untouched, when every slot is in use.
//
// Acquire panics with a protocol violation if r already holds a slot.
func (a *Allocator) Acquire(r Registers) bool {
	if r.OwnedSlot() != NoSlot {
		panic(errAcquireBound)
	}

	n := a.registry.Len()
	for i := uint32(0); i < n; i++ {
		if !a.registry.claim(i) {
			continue
		}
		// owned last: Release trusts it.
		r.SetTLSBase(a.table.tlsBase(i))
		r.SetFrameBase(a.table.frameBase(i))
		r.SetOwnedSlot(i + 1)
		return true
	}
	return false
}

// TryAcquire is Acquire reporting exhaustion as an error.
func (a *Allocator) TryAcquire(r Registers) error {
	if a.Acquire(r) {
		return nil
	}
	return errors.Exhausted(a.registry.Len())
}

// Release gives up the slot r holds. The frame and TLS bases are poisoned first
// and the slot is marked free last, so no other context can be handed the slot
// while r still points into it. Release only reads r's owned slot register.
//
// Release panics with a protocol violation, leaving the registry untouched, if r
// holds no slot or its owned slot register does not name a used slot.
func (a *Allocator) Release(r Registers) {
	owned := r.OwnedSlot()
	if owned == NoSlot {
		panic(errReleaseUnbound)
	}
	i := owned - 1
	if i >= a.registry.Len() {
		panic(errReleaseRange)
	}
	if !a.registry.InUse(i) {
		panic(errReleaseFree)
	}

	r.SetFrameBase(PoisonFrameBase)
	r.SetTLSBase(a.poisonTLS)
	r.SetOwnedSlot(NoSlot)
	a.registry.free(i)
}

// InUse returns the number of slots currently held.
func (a *Allocator) InUse() int {
	return a.registry.Used()
}
