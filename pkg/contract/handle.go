package contract

// Handle is a generation-validated reference to a contract slot: a
// (generation, index) pair plus the owning pool. The zero value is the
// invalid handle (generation 0 never occurs on a real slot, whose
// generation starts at 1 and only increases).
type Handle struct {
	owner      *Pool
	generation uint32
	index      uint32
}

// invalidHandle is returned whenever an operation cannot produce a valid
// handle (pool full, bad input, lost a selection race).
var invalidHandle = Handle{}

// Valid reports whether h refers to a live slot in its owner: the owner
// must be non-nil, the index in range, and the generation must match the
// slot's current generation.
func (h Handle) Valid() bool {
	if h.owner == nil || h.generation == 0 {
		return false
	}
	if h.index >= uint32(len(h.owner.slots)) {
		return false
	}
	gen, _ := h.owner.slots[h.index].load()
	return gen == h.generation
}

// Index returns the slot index this handle refers to.
func (h Handle) Index() uint32 { return h.index }

// Generation returns the credential generation this handle was issued
// with.
func (h Handle) Generation() uint32 { return h.generation }
