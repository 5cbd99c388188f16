// Package workgraph orchestrates a DAG of contract-pool work with
// dependency counting, failure cascade, yieldable work, a
// capacity-backpressure deferred queue, and an event stream.
package workgraph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/workengine/pkg/contract"
	"github.com/khryptorgraphics/workengine/pkg/errors"
	"github.com/khryptorgraphics/workengine/pkg/events"
	"github.com/khryptorgraphics/workengine/pkg/tracing"
)

// Config configures a WorkGraph at construction time.
type Config struct {
	// EnableEvents, when false, routes every publish through a
	// NoopPublisher regardless of EventBus.
	EnableEvents bool
	// EnableAdvancedScheduling is accepted but not read: nodes are
	// always submitted one at a time, with pool capacity checked on every
	// submission, whatever its value.
	EnableAdvancedScheduling bool
	// ExpectedNodeCount pre-reserves the node slab's backing array.
	ExpectedNodeCount int
	// MaxDeferredNodes bounds the deferred FIFO. 0 means unbounded.
	MaxDeferredNodes int
	// MaxDeferredProcessingIterations bounds how many nodes a single
	// capacity-available callback drains from the deferred queue.
	MaxDeferredProcessingIterations int
	// EventBus is an externally owned Publisher. Nil constructs a
	// private events.Bus.
	EventBus events.Publisher
	// Logger receives structured lifecycle logs. A nil Logger
	// discards.
	Logger *logrus.Logger
	// Name identifies this graph in logs and error messages.
	Name string
	// Profiler receives a zone per node execution. A nil Profiler
	// discards via tracing.NoopProfiler.
	Profiler tracing.Profiler
}

func (c Config) withDefaults() Config {
	out := c
	if out.ExpectedNodeCount <= 0 {
		out.ExpectedNodeCount = 64
	}
	if out.MaxDeferredProcessingIterations <= 0 {
		out.MaxDeferredProcessingIterations = 4
	}
	if out.Name == "" {
		out.Name = "workgraph"
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
		out.Logger.SetOutput(discardWriter{})
	}
	if out.Profiler == nil {
		out.Profiler = tracing.NoopProfiler{}
	}
	return out
}

// Summary is returned by Wait once the graph is quiescent.
type Summary struct {
	Completed    int64
	Failed       int64
	Cancelled    int64
	Dropped      int64
	AllCompleted bool
}

// WorkGraph orchestrates a DAG of contract-pool work.
type WorkGraph struct {
	cfg       Config
	pool      *contract.Pool
	publisher events.Publisher
	state     *stateManager
	errs      *errors.Handler

	mu    sync.RWMutex
	nodes []*node

	executionStarted atomic.Bool
	suspended        atomic.Bool
	destroyed        atomic.Bool

	pendingNodes   atomic.Int64
	completedNodes atomic.Int64
	failedNodes    atomic.Int64
	cancelledNodes atomic.Int64
	droppedNodes   atomic.Int64

	deferredMu    sync.Mutex
	deferredQueue []uint32

	suspendedMu    sync.Mutex
	suspendedNodes []uint32

	waitMu   sync.Mutex
	waitCond *sync.Cond
}

// New constructs a WorkGraph backed by pool. It registers a
// capacity-available callback on pool to drain the deferred queue as
// slots free up.
func New(pool *contract.Pool, cfg Config) *WorkGraph {
	cfg = cfg.withDefaults()

	publisher := cfg.EventBus
	if publisher == nil {
		publisher = events.NewBus()
	}
	if !cfg.EnableEvents {
		publisher = events.NoopPublisher{}
	}

	g := &WorkGraph{
		cfg:       cfg,
		pool:      pool,
		publisher: publisher,
		state:     &stateManager{publisher: publisher},
		errs:      errors.NewHandler(nil),
		nodes:     make([]*node, 0, cfg.ExpectedNodeCount),
	}
	g.waitCond = sync.NewCond(&g.waitMu)

	pool.RegisterCapacityCallback(g.processDeferredNodes)
	return g
}

func (g *WorkGraph) nodeAt(idx uint32) *node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(idx) >= len(g.nodes) {
		return nil
	}
	return g.nodes[idx]
}

// AddNode registers a non-yieldable unit of work. If execution has
// already started and the node has no dependencies, it is admitted
// straight through Ready and submitted to the pool.
func (g *WorkGraph) AddNode(work contract.WorkFunc, execType contract.ExecType, name string) NodeHandle {
	return g.addNode(work, execType, name, 0)
}

// AddYieldableNode is AddNode for work that may cooperatively yield
// (return contract.Yield) up to maxReschedules times before it is treated
// as failed. A negative maxReschedules means unlimited reschedules.
func (g *WorkGraph) AddYieldableNode(work contract.WorkFunc, execType contract.ExecType, name string, maxReschedules int) NodeHandle {
	return g.addNode(work, execType, name, maxReschedules)
}

func (g *WorkGraph) addNode(work contract.WorkFunc, execType contract.ExecType, name string, maxReschedules int) NodeHandle {
	g.mu.Lock()
	idx := uint32(len(g.nodes))
	n := newNode(idx, 1, work, execType, name, maxReschedules)
	g.nodes = append(g.nodes, n)
	g.mu.Unlock()

	g.pendingNodes.Add(1)
	g.publisher.Publish(events.NewNodeAdded(name))

	// scheduleOrDefer may transitively need g.mu (cancelDependents,
	// resolveChildren on a deferred-queue overflow), so it must run
	// after g.mu is released — never while still holding it.
	if g.executionStarted.Load() && n.pendingDependencies.Load() == 0 {
		if g.state.transition(n, Ready) {
			g.publisher.Publish(events.NewNodeReady(n.name))
			g.scheduleOrDefer(n)
		}
	}

	return NodeHandle{owner: g, index: idx, generation: n.generation}
}

// AddDependency inserts an edge so that to waits for from to complete
// successfully. It rejects self-loops and edges that would close a
// cycle; the graph is left unmodified on error.
func (g *WorkGraph) AddDependency(from, to NodeHandle) error {
	if from.owner != g || to.owner != g {
		return errors.New(errors.KindInvalidHandle, "handle belongs to a different graph").Build()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	parent := g.resolveLocked(from)
	child := g.resolveLocked(to)
	if parent == nil || child == nil {
		return errors.New(errors.KindInvalidHandle, "stale node handle").Build()
	}
	if parent == child {
		return errors.CycleOrSelfLoop(g.cfg.Name, parent.name, child.name)
	}
	if g.reachableLocked(child.index, parent.index) {
		return errors.CycleOrSelfLoop(g.cfg.Name, parent.name, child.name)
	}

	parent.children = append(parent.children, child.index)
	child.parents = append(child.parents, parent.index)
	child.pendingDependencies.Add(1)
	g.publisher.Publish(events.NewDependencyAdded(parent.name, child.name))
	return nil
}

func (g *WorkGraph) resolveLocked(h NodeHandle) *node {
	if int(h.index) >= len(g.nodes) {
		return nil
	}
	n := g.nodes[h.index]
	if n == nil || n.generation != h.generation {
		return nil
	}
	return n
}

// reachableLocked reports whether target is reachable from start by
// following children edges; callers must hold g.mu. This is the bounded
// DFS that prevents addDependency from closing a cycle.
func (g *WorkGraph) reachableLocked(start, target uint32) bool {
	if start == target {
		return true
	}
	visited := make(map[uint32]bool)
	stack := []uint32{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.nodes[cur].children...)
	}
	return false
}

// Execute admits every zero-dependency Pending node as a root and submits
// it, then drains one round of the deferred queue. It may only be called
// once per graph.
func (g *WorkGraph) Execute() error {
	if !g.executionStarted.CompareAndSwap(false, true) {
		return errors.AlreadyStarted(g.cfg.Name)
	}

	g.mu.Lock()
	total := len(g.nodes)
	var rootNodes []*node
	for _, n := range g.nodes {
		if n.pendingDependencies.Load() != 0 {
			continue
		}
		if !g.state.transition(n, Ready) {
			continue
		}
		rootNodes = append(rootNodes, n)
	}
	g.mu.Unlock()

	// scheduleOrDefer may transitively need g.mu (cancelDependents,
	// resolveChildren on a deferred-queue overflow), so every root is
	// submitted only after g.mu is released above.
	for _, n := range rootNodes {
		g.publisher.Publish(events.NewNodeReady(n.name))
		g.scheduleOrDefer(n)
	}
	roots := len(rootNodes)

	g.publisher.Publish(events.NewGraphExecutionStarted(total, roots))
	g.processDeferredNodes()

	if total > 0 && roots == 0 {
		return errors.CycleOrOrphan(g.cfg.Name)
	}
	return nil
}

// Suspend prevents the NodeScheduler from submitting new contracts.
// Already-executing work runs to completion; nodes that become Ready
// while suspended queue up and are submitted on Resume.
func (g *WorkGraph) Suspend() { g.suspended.Store(true) }

// Resume clears the suspension flag and submits every node that became
// Ready while suspended.
func (g *WorkGraph) Resume() {
	g.suspended.Store(false)

	g.suspendedMu.Lock()
	pending := g.suspendedNodes
	g.suspendedNodes = nil
	g.suspendedMu.Unlock()

	for _, idx := range pending {
		if n := g.nodeAt(idx); n != nil {
			g.scheduleOrDefer(n)
		}
	}
}

// Wait blocks until every admitted node has reached a terminal state.
func (g *WorkGraph) Wait() Summary {
	g.waitMu.Lock()
	for g.pendingNodes.Load() != 0 {
		g.waitCond.Wait()
	}
	g.waitMu.Unlock()

	failed := g.failedNodes.Load()
	cancelled := g.cancelledNodes.Load()
	dropped := g.droppedNodes.Load()
	summary := Summary{
		Completed:    g.completedNodes.Load(),
		Failed:       failed,
		Cancelled:    cancelled,
		Dropped:      dropped,
		AllCompleted: failed == 0 && cancelled == 0 && dropped == 0,
	}
	if summary.AllCompleted {
		g.publisher.Publish(events.NewGraphExecutionCompleted(g.Stats()))
	}
	return summary
}

func (g *WorkGraph) notifyWaiters() {
	g.waitMu.Lock()
	g.waitMu.Unlock()
	g.waitCond.Broadcast()
}

// scheduleOrDefer is the NodeScheduler: it tries to submit n to the pool
// immediately; if the pool is full it pushes n onto the deferred FIFO; if
// that is also full, the node is dropped (a failure, for cascade
// purposes). While suspended, n is parked until Resume instead.
func (g *WorkGraph) scheduleOrDefer(n *node) {
	if g.suspended.Load() {
		g.suspendedMu.Lock()
		g.suspendedNodes = append(g.suspendedNodes, n.index)
		g.suspendedMu.Unlock()
		return
	}
	if g.trySubmitNode(n) {
		return
	}
	if !g.pushDeferred(n) {
		g.onNodeDropped(n)
	}
}

func (g *WorkGraph) trySubmitNode(n *node) bool {
	h := g.pool.Create(g.submitClosure(n), n.execType, n.name)
	if !h.Valid() {
		return false
	}
	n.handle = h
	if res := g.pool.Schedule(h); res != contract.Scheduled {
		g.cfg.Logger.WithFields(logrus.Fields{"node": n.name, "result": res}).
			Warn("pool rejected a freshly created contract")
	}
	g.state.transition(n, Scheduled)
	g.publisher.Publish(events.NewNodeScheduled(n.name))
	return true
}

func (g *WorkGraph) pushDeferred(n *node) bool {
	g.deferredMu.Lock()
	defer g.deferredMu.Unlock()
	if g.cfg.MaxDeferredNodes > 0 && len(g.deferredQueue) >= g.cfg.MaxDeferredNodes {
		return false
	}
	g.deferredQueue = append(g.deferredQueue, n.index)
	g.publisher.Publish(events.NewNodeDeferred(n.name, len(g.deferredQueue)))
	return true
}

// processDeferredNodes drains up to MaxDeferredProcessingIterations nodes
// from the front of the deferred queue, stopping as soon as the pool
// rejects one (no forward progress is possible until more capacity
// frees up). Registered as the pool's capacity-available callback.
func (g *WorkGraph) processDeferredNodes() {
	g.deferredMu.Lock()
	defer g.deferredMu.Unlock()

	for i := 0; i < g.cfg.MaxDeferredProcessingIterations && len(g.deferredQueue) > 0; i++ {
		idx := g.deferredQueue[0]
		n := g.nodeAt(idx)
		if n == nil || !g.trySubmitNode(n) {
			return
		}
		g.deferredQueue = g.deferredQueue[1:]
	}
}

// submitClosure wraps n's user work so the pool can drive it like any
// other contract: transition into Executing, invoke the callable
// (recovering a panic), and dispatch to completion/yield/failure
// handling based on the outcome.
func (g *WorkGraph) submitClosure(n *node) contract.WorkFunc {
	return func() contract.Result {
		if g.destroyed.Load() {
			return contract.Complete
		}
		g.state.transition(n, Executing)
		// A contract.WorkFunc carries no thread identity; the worker
		// that ends up running it is only known to the WorkerService
		// driving the pool, not to this closure.
		g.publisher.Publish(events.NewNodeExecuting(n.name, -1))

		zoneCtx, endZone := g.cfg.Profiler.StartZone(context.Background(), n.name, g.pool.Name())
		start := time.Now()
		result, err := invoke(n)
		if err == nil && result == contract.Yield {
			g.cfg.Profiler.RecordEvent(zoneCtx, "yielded", nil)
		}
		endZone()
		if err != nil {
			g.onNodeFailed(n, err)
			return contract.Complete
		}
		switch result {
		case contract.Yield:
			g.onNodeYielded(n)
		default:
			g.onNodeComplete(n, time.Since(start))
		}
		return contract.Complete
	}
}

func invoke(n *node) (result contract.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WorkException(n.name, asError(r))
		}
	}()
	result = n.work()
	return
}

func asError(r interface{}) error {
	if e, ok := r.(error); ok {
		return e
	}
	return &panicValue{r}
}

type panicValue struct{ v interface{} }

func (p *panicValue) Error() string { return errorsFmt(p.v) }

func errorsFmt(v interface{}) string {
	return "panic: " + stringify(v)
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-string panic value"
}

func (g *WorkGraph) markTerminal(n *node) bool {
	return n.completionProcessed.CompareAndSwap(false, true)
}

func (g *WorkGraph) onNodeComplete(n *node, duration time.Duration) {
	if !g.markTerminal(n) {
		return
	}
	g.state.transition(n, Completed)
	g.completedNodes.Add(1)
	if g.pendingNodes.Add(-1) == 0 {
		g.notifyWaiters()
	}
	g.publisher.Publish(events.NewNodeCompleted(n.name, duration))
	g.resolveChildren(n)
}

func (g *WorkGraph) onNodeFailed(n *node, cause error) {
	if !g.markTerminal(n) {
		return
	}
	g.state.transition(n, Failed)
	g.failedNodes.Add(1)
	if g.pendingNodes.Add(-1) == 0 {
		g.notifyWaiters()
	}
	g.publisher.Publish(events.NewNodeFailed(n.name, cause))
	g.cancelDependents(n)
}

// onNodeDropped handles deferred-queue overflow: the node fails without
// ever having executed (Ready->Failed, the one exception to the node
// lifecycle's normal transition table).
func (g *WorkGraph) onNodeDropped(n *node) {
	if !g.markTerminal(n) {
		return
	}
	g.state.transition(n, Failed)
	g.failedNodes.Add(1)
	g.droppedNodes.Add(1)
	if g.pendingNodes.Add(-1) == 0 {
		g.notifyWaiters()
	}
	g.publisher.Publish(events.NewNodeFailed(n.name, errors.NodeDropped(n.name, "deferred queue full")))
	g.cancelDependents(n)
}

func (g *WorkGraph) onNodeYielded(n *node) {
	if n.maxReschedules < 0 || n.rescheduleCount.Load() < uint32(n.maxReschedules) {
		n.rescheduleCount.Add(1)
		g.state.transition(n, Yielded)
		if g.state.transition(n, Ready) {
			g.publisher.Publish(events.NewNodeReady(n.name))
			g.scheduleOrDefer(n)
		}
		return
	}
	g.onNodeFailed(n, errors.New(errors.KindWorkException, "yieldable node exceeded maxReschedules").
		WithComponent("workgraph").WithNode(n.name).Build())
}

// resolveChildren decrements every child's pendingDependencies after n
// completes, promoting any child that reaches zero with no failed
// parent to Ready.
func (g *WorkGraph) resolveChildren(n *node) {
	g.mu.RLock()
	children := append([]uint32(nil), n.children...)
	g.mu.RUnlock()

	for _, idx := range children {
		child := g.nodeAt(idx)
		if child == nil {
			continue
		}
		remaining := child.pendingDependencies.Add(^uint32(0))
		g.publisher.Publish(events.NewDependencyResolved(n.name, child.name, remaining))
		if remaining == 0 && child.failedParentCount.Load() == 0 {
			if g.state.transition(child, Ready) {
				g.publisher.Publish(events.NewNodeReady(child.name))
				g.scheduleOrDefer(child)
			}
		}
	}
}

// cancelDependents cascades failure through the transitive descendant
// set. A child already Executing cannot be cancelled (the legal
// transition table has no Executing->Cancelled edge) and is left to run
// to natural completion or failure.
func (g *WorkGraph) cancelDependents(n *node) {
	g.mu.RLock()
	children := append([]uint32(nil), n.children...)
	g.mu.RUnlock()

	for _, idx := range children {
		child := g.nodeAt(idx)
		if child == nil {
			continue
		}
		child.failedParentCount.Add(1)
		if g.state.transition(child, Cancelled) {
			g.cancelledNodes.Add(1)
			if g.pendingNodes.Add(-1) == 0 {
				g.notifyWaiters()
			}
			g.publisher.Publish(events.NewNodeCancelled(child.name, n.name))
			g.cancelDependents(child)
		}
	}
}

// Stats is a point-in-time snapshot of every node's state, counted with
// relaxed ordering (best-effort, not a consistent multi-field snapshot).
func (g *WorkGraph) Stats() events.Stats {
	g.mu.RLock()
	stats := events.Stats{TotalNodes: len(g.nodes)}
	for _, n := range g.nodes {
		switch NodeState(n.state.Load()) {
		case Pending:
			stats.Pending++
		case Ready:
			stats.Ready++
		case Scheduled:
			stats.Scheduled++
		case Executing:
			stats.Executing++
		case Yielded:
			stats.Yielded++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		case Cancelled:
			stats.Cancelled++
		}
	}
	g.mu.RUnlock()

	g.deferredMu.Lock()
	stats.Deferred = int64(len(g.deferredQueue))
	g.deferredMu.Unlock()
	stats.Dropped = g.droppedNodes.Load()
	return stats
}

// Close marks the graph destroyed so any late contract callback becomes
// a no-op; it does not itself stop or wait on the pool, which may be
// shared with other graphs.
func (g *WorkGraph) Close() {
	g.destroyed.Store(true)
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
