package workgraph

import "github.com/khryptorgraphics/workengine/pkg/events"

// stateManager enforces the legal node-transition table and publishes
// NodeStateChanged for every transition it allows, so all state changes
// are observable through a single chokepoint rather than scattered
// publish calls.
type stateManager struct {
	publisher events.Publisher
}

// transition attempts to CAS n's state from its currently observed value
// to to, retrying only while the observed state is still legal to leave
// (a CAS failure under a different concurrent writer re-reads and
// re-checks, rather than assuming the first read was authoritative).
func (m *stateManager) transition(n *node, to NodeState) bool {
	for {
		cur := NodeState(n.state.Load())
		if !legalTransitions[cur][to] {
			return false
		}
		if n.state.CompareAndSwap(uint32(cur), uint32(to)) {
			m.publisher.Publish(events.NewNodeStateChanged(n.name, cur.String(), to.String()))
			return true
		}
	}
}
