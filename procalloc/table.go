package procalloc

// Region is the half-open address range [Start, End).
type Region struct {
	Start uint32
	End   uint32
}

// Len returns the size of the region in bytes.
func (r Region) Len() uint32 {
	return r.End - r.Start
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Slot is one entry of the table: a TLS block followed by a secondary stack.
type Slot struct {
	Index uint32
	TLS   Region
	Stack Region
}

// FrameBase returns the initial frame base for the slot.
func (s Slot) FrameBase() uint32 {
	return (s.Stack.End - FrameMargin) &^ (FrameAlign - 1)
}

// Table computes slot addresses for a validated Layout. It holds no mutable state.
type Table struct {
	layout   Layout
	slotSize uint32
}

// NewTable validates l and returns the table it describes.
func NewTable(l Layout) (*Table, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Table{layout: l, slotSize: l.SlotSize()}, nil
}

// Layout returns the layout the table was built from.
func (t *Table) Layout() Layout { return t.layout }

// Len returns the number of slots.
func (t *Table) Len() uint32 { return t.layout.Capacity }

// Region returns the address range covered by the whole table.
func (t *Table) Region() Region {
	return Region{Start: t.layout.Base, End: uint32(t.layout.End())}
}

// Slot returns the slot at index i. Indices are zero-based.
func (t *Table) Slot(i uint32) (Slot, bool) {
	if i >= t.layout.Capacity {
		return Slot{}, false
	}
	return t.slot(i), true
}

func (t *Table) slot(i uint32) Slot {
	start := t.layout.Base + i*t.slotSize
	tlsEnd := start + t.layout.TLSSize
	return Slot{
		Index: i,
		TLS:   Region{Start: start, End: tlsEnd},
		Stack: Region{Start: tlsEnd, End: tlsEnd + t.layout.StackSize},
	}
}

// tlsBase and frameBase are the register values for slot i.
func (t *Table) tlsBase(i uint32) uint32 {
	return t.layout.Base + i*t.slotSize
}

func (t *Table) frameBase(i uint32) uint32 {
	end := t.layout.Base + (i+1)*t.slotSize
	return (end - FrameMargin) &^ (FrameAlign - 1)
}

// Lookup returns the slot containing addr.
func (t *Table) Lookup(addr uint32) (Slot, bool) {
	if !t.Region().Contains(addr) {
		return Slot{}, false
	}
	return t.slot((addr - t.layout.Base) / t.slotSize), true
}
