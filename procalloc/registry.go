package procalloc

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	flagFree uint32 = 0
	flagUsed uint32 = 1
)

type flag struct {
	_    cpu.CacheLinePad
	used atomic.Uint32
}

// Registry holds one atomic occupancy flag per slot. A used flag says nothing
// about which context holds the slot.
//
// Flags are padded to their own cache line so that contexts spinning up on
// neighbouring slots do not contend.
type Registry struct {
	flags []flag
}

// NewRegistry returns a registry of n free flags.
func NewRegistry(n uint32) *Registry {
	return &Registry{flags: make([]flag, n)}
}

// Len returns the number of flags.
func (r *Registry) Len() uint32 {
	return uint32(len(r.flags))
}

// claim flips flag i from free to used and reports whether this call did it.
// The plain load skips the read-for-ownership of a CAS that is bound to fail.
func (r *Registry) claim(i uint32) bool {
	f := &r.flags[i]
	if f.used.Load() != flagFree {
		return false
	}
	return f.used.CompareAndSwap(flagFree, flagUsed)
}

// free marks slot i free. Only the holder of i may call it, so a store suffices.
func (r *Registry) free(i uint32) {
	r.flags[i].used.Store(flagFree)
}

// InUse reports whether slot i is currently held.
func (r *Registry) InUse(i uint32) bool {
	if i >= uint32(len(r.flags)) {
		return false
	}
	return r.flags[i].used.Load() == flagUsed
}

// Used counts the slots currently held. The count is a snapshot and may be
// stale by the time it is returned.
func (r *Registry) Used() int {
	n := 0
	for i := range r.flags {
		if r.flags[i].used.Load() == flagUsed {
			n++
		}
	}
	return n
}

// Snapshot writes the occupancy of each slot into dst and returns the number
// of entries written.
func (r *Registry) Snapshot(dst []bool) int {
	n := min(len(dst), len(r.flags))
	for i := 0; i < n; i++ {
		dst[i] = r.flags[i].used.Load() == flagUsed
	}
	return n
}
