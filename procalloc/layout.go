package procalloc

import (
	"math"

	"github.com/wippyai/apex-wasm/errors"
)

// Build-time defaults for the slot table.
const (
	DefaultCapacity  = 128
	DefaultStackSize = 0x10000 // 64 KiB
	DefaultTLSSize   = 0x1000  // 4 KiB

	// DefaultBase keeps the table clear of the guest's own stack and static data,
	// which wasm-ld places in the first pages of memory.
	DefaultBase = 0x100000

	// FrameAlign is fixed by the wasm32 C ABI.
	FrameAlign = 16
	// FrameMargin keeps the first frame write off the stack's end boundary.
	FrameMargin = 8
)

// Layout describes where the slot table lives in linear memory and how big each
// slot is. A Layout is fixed once an Allocator is built from it.
type Layout struct {
	Base      uint32 `yaml:"base"`
	Capacity  uint32 `yaml:"capacity"`
	StackSize uint32 `yaml:"stack_size"`
	TLSSize   uint32 `yaml:"tls_size"`
}

// DefaultLayout returns the layout built from the package defaults.
func DefaultLayout() Layout {
	return Layout{
		Base:      DefaultBase,
		Capacity:  DefaultCapacity,
		StackSize: DefaultStackSize,
		TLSSize:   DefaultTLSSize,
	}
}

// SlotSize returns the size of one slot in bytes.
func (l Layout) SlotSize() uint32 {
	return l.TLSSize + l.StackSize
}

// End returns the address one past the last slot.
func (l Layout) End() uint64 {
	return uint64(l.Base) + uint64(l.Capacity)*(uint64(l.TLSSize)+uint64(l.StackSize))
}

// PoisonTLSBase is the TLS base written on release: TLSSize bytes below the top of
// the 32-bit address space, so a full TLS block read from it stays above the table.
func (l Layout) PoisonTLSBase() uint32 {
	return math.MaxUint32 - l.TLSSize
}

// Validate checks the layout invariants.
func (l Layout) Validate() error {
	switch {
	case l.Capacity == 0:
		return errors.InvalidInput(errors.PhaseConfig, "slot capacity must be positive")
	case l.TLSSize == 0:
		return errors.InvalidInput(errors.PhaseConfig, "TLS size must be positive")
	case l.StackSize < 2*FrameAlign:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("stack size %d below minimum %d", l.StackSize, 2*FrameAlign).
			Value(l.StackSize).
			Build()
	case l.Base%FrameAlign != 0, l.TLSSize%FrameAlign != 0, l.StackSize%FrameAlign != 0:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("base, TLS size and stack size must be multiples of %d", FrameAlign).
			Build()
	}

	end := l.End()
	if end > uint64(l.PoisonTLSBase()) || end > uint64(PoisonFrameBase) {
		return errors.New(errors.PhaseConfig, errors.KindOutOfBounds).
			Detail("slot table ends at %#x, overlapping the poison addresses", end).
			Value(end).
			Build()
	}
	return nil
}
