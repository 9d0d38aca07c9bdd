package procalloc

// NoSlot is the owned-slot value of a context that holds nothing. Held slots are
// stored one-based so that NoSlot never names a real index.
const NoSlot uint32 = 0

// PoisonFrameBase is the frame base written on release. It is 16-byte aligned and
// lies above any table Validate accepts.
const PoisonFrameBase uint32 = 0xFFFFFFF0

// Registers is the per-thread execution context: the values compiled code reads
// for addressable locals (frame base) and thread-locals (TLS base), plus the slot
// the context holds. The owned slot register must not live inside the slot it
// names, since Release reads it after the slot is gone.
type Registers interface {
	FrameBase() uint32
	SetFrameBase(uint32)
	TLSBase() uint32
	SetTLSBase(uint32)
	OwnedSlot() uint32
	SetOwnedSlot(uint32)
}

// Bound reports whether r currently holds a slot.
func Bound(r Registers) bool {
	return r.OwnedSlot() != NoSlot
}

// Held returns the zero-based index of the slot r holds.
func Held(r Registers) (uint32, bool) {
	owned := r.OwnedSlot()
	if owned == NoSlot {
		return 0, false
	}
	return owned - 1, true
}

// Context is a Registers implementation held in ordinary Go memory. The zero
// value is an unbound context.
type Context struct {
	frameBase uint32
	tlsBase   uint32
	owned     uint32
}

func (c *Context) FrameBase() uint32     { return c.frameBase }
func (c *Context) SetFrameBase(v uint32) { c.frameBase = v }
func (c *Context) TLSBase() uint32       { return c.tlsBase }
func (c *Context) SetTLSBase(v uint32)   { c.tlsBase = v }
func (c *Context) OwnedSlot() uint32     { return c.owned }
func (c *Context) SetOwnedSlot(v uint32) { c.owned = v }
