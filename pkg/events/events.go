// Package events defines the engine's event stream: a type-erased
// publish/subscribe sink plus the strongly-typed payloads a WorkGraph
// emits. Publishing is synchronous and handler panics are swallowed, per
// the graph and pool lifecycle.
package events

import "time"

// Event is the marker interface every published payload satisfies.
// Handlers type-switch on the concrete type to react to the events they
// care about.
type Event interface {
	eventMarker()
}

type baseEvent struct {
	At time.Time
}

func (baseEvent) eventMarker() {}

// NodeAdded is published when a node is registered with the graph.
type NodeAdded struct {
	baseEvent
	Node string
}

// DependencyAdded is published when an edge is inserted between two nodes.
type DependencyAdded struct {
	baseEvent
	From, To string
}

// NodeStateChanged is published on every legal node state transition.
type NodeStateChanged struct {
	baseEvent
	Node           string
	OldState, New  string
}

// NodeReady is published when a node's dependencies are all satisfied.
type NodeReady struct {
	baseEvent
	Node string
}

// NodeScheduled is published when a node's contract is submitted to the
// pool.
type NodeScheduled struct {
	baseEvent
	Node string
}

// NodeDeferred is published when a node could not be scheduled due to
// pool capacity and was pushed onto the deferred queue.
type NodeDeferred struct {
	baseEvent
	Node       string
	QueueDepth int
}

// NodeExecuting is published when a worker begins executing a node.
type NodeExecuting struct {
	baseEvent
	Node     string
	ThreadID int
}

// NodeCompleted is published when a node finishes successfully.
type NodeCompleted struct {
	baseEvent
	Node              string
	ExecutionDuration time.Duration
}

// NodeFailed is published when a node's callable panicked or it was
// dropped from the deferred queue.
type NodeFailed struct {
	baseEvent
	Node      string
	Exception error
}

// NodeCancelled is published when a node is cancelled by cascade from a
// failed ancestor.
type NodeCancelled struct {
	baseEvent
	Node         string
	FailedParent string
}

// DependencyResolved is published whenever a completed parent decrements
// a child's pending-dependency counter.
type DependencyResolved struct {
	baseEvent
	From, To            string
	RemainingDependencies uint32
}

// GraphExecutionStarted is published once, when execute() begins
// scheduling root nodes.
type GraphExecutionStarted struct {
	baseEvent
	TotalNodes int
	RootNodes  int
}

// GraphExecutionCompleted is published by each wait() call that returns
// with every node completed; a run with a failed, cancelled or dropped
// node does not publish it.
type GraphExecutionCompleted struct {
	baseEvent
	Stats Stats
}

// GraphStats is published periodically (if a caller drives it) with a
// point-in-time snapshot of graph counters.
type GraphStats struct {
	baseEvent
	Stats Stats
}

// Stats is the graph-counter snapshot carried by GraphExecutionCompleted
// and GraphStats, and returned directly by WorkGraph.Stats().
type Stats struct {
	TotalNodes   int
	Pending      int64
	Ready        int64
	Scheduled    int64
	Executing    int64
	Completed    int64
	Failed       int64
	Cancelled    int64
	Yielded      int64
	Deferred     int64
	Dropped      int64
}

func now() time.Time { return time.Now() }

// Constructors stamp At with the current time so callers never have to
// remember to do it themselves.

func NewNodeAdded(node string) NodeAdded {
	return NodeAdded{baseEvent: baseEvent{At: now()}, Node: node}
}

func NewDependencyAdded(from, to string) DependencyAdded {
	return DependencyAdded{baseEvent: baseEvent{At: now()}, From: from, To: to}
}

func NewNodeStateChanged(node, oldState, newState string) NodeStateChanged {
	return NodeStateChanged{baseEvent: baseEvent{At: now()}, Node: node, OldState: oldState, New: newState}
}

func NewNodeReady(node string) NodeReady {
	return NodeReady{baseEvent: baseEvent{At: now()}, Node: node}
}

func NewNodeScheduled(node string) NodeScheduled {
	return NodeScheduled{baseEvent: baseEvent{At: now()}, Node: node}
}

func NewNodeDeferred(node string, depth int) NodeDeferred {
	return NodeDeferred{baseEvent: baseEvent{At: now()}, Node: node, QueueDepth: depth}
}

func NewNodeExecuting(node string, threadID int) NodeExecuting {
	return NodeExecuting{baseEvent: baseEvent{At: now()}, Node: node, ThreadID: threadID}
}

func NewNodeCompleted(node string, d time.Duration) NodeCompleted {
	return NodeCompleted{baseEvent: baseEvent{At: now()}, Node: node, ExecutionDuration: d}
}

func NewNodeFailed(node string, cause error) NodeFailed {
	return NodeFailed{baseEvent: baseEvent{At: now()}, Node: node, Exception: cause}
}

func NewNodeCancelled(node, failedParent string) NodeCancelled {
	return NodeCancelled{baseEvent: baseEvent{At: now()}, Node: node, FailedParent: failedParent}
}

func NewDependencyResolved(from, to string, remaining uint32) DependencyResolved {
	return DependencyResolved{baseEvent: baseEvent{At: now()}, From: from, To: to, RemainingDependencies: remaining}
}

func NewGraphExecutionStarted(total, roots int) GraphExecutionStarted {
	return GraphExecutionStarted{baseEvent: baseEvent{At: now()}, TotalNodes: total, RootNodes: roots}
}

func NewGraphExecutionCompleted(stats Stats) GraphExecutionCompleted {
	return GraphExecutionCompleted{baseEvent: baseEvent{At: now()}, Stats: stats}
}

func NewGraphStats(stats Stats) GraphStats {
	return GraphStats{baseEvent: baseEvent{At: now()}, Stats: stats}
}
