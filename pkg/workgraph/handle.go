package workgraph

// NodeHandle is a generation-validated reference to a graph node,
// mirroring contract.Handle's (owner, index, generation) design: an
// arena index plus a generation counter instead of a raw pointer.
type NodeHandle struct {
	owner      *WorkGraph
	index      uint32
	generation uint32
}

// Valid reports whether h still refers to a live node in its owner.
func (h NodeHandle) Valid() bool {
	if h.owner == nil {
		return false
	}
	n := h.owner.nodeAt(h.index)
	return n != nil && n.generation == h.generation
}

// Name returns the node's display name, or "" if h is invalid.
func (h NodeHandle) Name() string {
	n := h.owner.nodeAt(h.index)
	if n == nil || n.generation != h.generation {
		return ""
	}
	return n.name
}

// State returns the node's current state, or Cancelled if h is invalid.
// Callers should check Valid first.
func (h NodeHandle) State() NodeState {
	n := h.owner.nodeAt(h.index)
	if n == nil || n.generation != h.generation {
		return Cancelled
	}
	return NodeState(n.state.Load())
}
