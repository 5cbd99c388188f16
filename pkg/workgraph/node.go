package workgraph

import (
	"sync/atomic"

	"github.com/khryptorgraphics/workengine/pkg/contract"
)

// NodeState is a WorkGraph node's lifecycle stage. The full legal-transition
// table is enforced by stateManager.
type NodeState uint32

const (
	Pending NodeState = iota
	Ready
	Scheduled
	Executing
	Completed
	Failed
	Cancelled
	Yielded
)

func (s NodeState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Scheduled:
		return "scheduled"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Yielded:
		return "yielded"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the graph's terminal states.
func (s NodeState) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// legalTransitions is the node lifecycle's transition table, encoded as
// data rather than scattered conditionals so stateManager has a single
// place to consult and extend.
//
// Ready->Failed is the one addition beyond the baseline lifecycle: a node
// dropped from an overflowing deferred queue fails without ever having
// executed, so it needs a path straight from Ready to Failed alongside
// the normal Executing->Failed path.
var legalTransitions = map[NodeState]map[NodeState]bool{
	Pending:   {Ready: true, Cancelled: true},
	Ready:     {Scheduled: true, Cancelled: true, Failed: true},
	Scheduled: {Executing: true, Cancelled: true},
	Executing: {Completed: true, Failed: true, Yielded: true},
	Yielded:   {Ready: true, Cancelled: true},
	Completed: {},
	Failed:    {},
	Cancelled: {},
}

// node is one slot in the graph's DAG slab.
type node struct {
	index      uint32
	generation uint32

	name     string
	work     contract.WorkFunc
	execType contract.ExecType

	// maxReschedules bounds how many times a yieldable node may be
	// resubmitted after returning Yield. 0 means not yieldable: a
	// single Yield fails the node immediately. Negative means
	// unlimited.
	maxReschedules int

	state               atomic.Uint32
	handle              contract.Handle
	pendingDependencies atomic.Uint32
	failedParentCount   atomic.Uint32
	completionProcessed atomic.Bool
	rescheduleCount     atomic.Uint32

	// children/parents are mutated only under the owning graph's
	// exclusive lock; reads elsewhere copy the slice under a shared
	// lock first.
	children []uint32
	parents  []uint32
}

func newNode(index, generation uint32, work contract.WorkFunc, execType contract.ExecType, name string, maxReschedules int) *node {
	n := &node{
		index:          index,
		generation:     generation,
		name:           name,
		work:           work,
		execType:       execType,
		maxReschedules: maxReschedules,
	}
	n.state.Store(uint32(Pending))
	return n
}
