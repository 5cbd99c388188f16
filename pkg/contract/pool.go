// Package contract implements a capacity-bounded set of work-contract
// slots: a generation-validated handle, an atomic lifecycle state machine,
// a lock-free free list, and two signal-tree-backed ready sets (one for
// any-thread work, one for main-thread work).
package contract

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/workengine/pkg/signaltree"
)

// ConcurrencyProvider is the collaborator a Pool notifies when work
// becomes available or when the pool itself is going away. A WorkerService
// implements this interface; the pool holds it as a weak relation (a plain
// interface value, never owned) guarded by a reader/writer lock so a
// notification cannot race with teardown of the provider pointer itself.
type ConcurrencyProvider interface {
	NotifyWorkAvailable(p *Pool)
	NotifyGroupDestroyed(p *Pool)
}

// Config configures a Pool at construction time.
type Config struct {
	// Capacity is the fixed number of contract slots. Must be > 0.
	Capacity uint32
	// Name identifies this pool in logs and metrics.
	Name string
	// Logger receives structured lifecycle logs. A nil Logger discards.
	Logger *logrus.Logger
}

type counters struct {
	scheduled atomic.Int64
	executing atomic.Int64
}

// Pool is a fixed-capacity, lock-free factory of work contracts.
type Pool struct {
	capacity uint32
	name     string
	logger   *logrus.Logger

	slots        []slot
	freeListHead atomic.Uint32

	anyTree  *signaltree.SignalTree
	mainTree *signaltree.SignalTree
	anyBias  atomic.Uint64
	mainBias atomic.Uint64

	activeCount atomic.Int64
	any         counters
	main        counters

	selecting     atomic.Int64
	mainSelecting atomic.Int64
	stopping      atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond

	providerMu sync.RWMutex
	provider   ConcurrencyProvider

	capacityMu        sync.Mutex
	capacityCallbacks []func()
}

// New constructs a Pool with the given capacity. It builds the free list
// threading every slot sequentially and two SignalTrees sized to the next
// power-of-two leaf count (minimum 2) covering the capacity.
func New(cfg Config) (*Pool, error) {
	if cfg.Capacity == 0 {
		return nil, ErrZeroCapacity
	}
	leaves := signaltree.LeavesFor(cfg.Capacity)
	anyTree, err := signaltree.New(leaves)
	if err != nil {
		return nil, err
	}
	mainTree, err := signaltree.New(leaves)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(discardWriter{})
	}

	p := &Pool{
		capacity: cfg.Capacity,
		name:     cfg.Name,
		logger:   logger,
		slots:    make([]slot, cfg.Capacity),
		anyTree:  anyTree,
		mainTree: mainTree,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := uint32(0); i < cfg.Capacity; i++ {
		p.slots[i].init(1)
		if i+1 < cfg.Capacity {
			p.slots[i].nextFree.Store(i + 1)
		} else {
			p.slots[i].nextFree.Store(noFree)
		}
	}
	p.freeListHead.Store(0)

	return p, nil
}

// Capacity returns the pool's fixed slot count.
func (p *Pool) Capacity() uint32 { return p.capacity }

// Name returns the pool's display name.
func (p *Pool) Name() string { return p.name }

// ScheduledCount returns the any-thread scheduled counter. Satisfies
// scheduler.Pool so a *Pool can be handed straight to a Strategy.
func (p *Pool) ScheduledCount() int64 { return p.any.scheduled.Load() }

// ExecutingCount returns the any-thread executing counter. Satisfies
// scheduler.Pool.
func (p *Pool) ExecutingCount() int64 { return p.any.executing.Load() }

// Stopping reports whether Stop has been called without a subsequent
// Resume. Satisfies scheduler.Pool.
func (p *Pool) Stopping() bool { return p.stopping.Load() }

func (p *Pool) treeFor(et ExecType) *signaltree.SignalTree {
	if et == MainThread {
		return p.mainTree
	}
	return p.anyTree
}

func (p *Pool) countersFor(et ExecType) *counters {
	if et == MainThread {
		return &p.main
	}
	return &p.any
}

// SetConcurrencyProvider registers (or, passing nil, clears) the provider
// notified on NotifyWorkAvailable. Safe to call concurrently with
// notifications; readers take the shared lock on the hot path.
func (p *Pool) SetConcurrencyProvider(provider ConcurrencyProvider) {
	p.providerMu.Lock()
	p.provider = provider
	p.providerMu.Unlock()
}

func (p *Pool) notifyProvider() {
	p.providerMu.RLock()
	provider := p.provider
	p.providerMu.RUnlock()
	if provider != nil {
		provider.NotifyWorkAvailable(p)
	}
}

// RegisterCapacityCallback adds a callback invoked (cold path) whenever a
// slot returns to the free list. The callback list is copied under a lock
// and the callbacks run after that lock is released, so callbacks from
// concurrent completions are not serialized. Used by WorkGraph to drain
// its deferred queue.
func (p *Pool) RegisterCapacityCallback(fn func()) {
	p.capacityMu.Lock()
	p.capacityCallbacks = append(p.capacityCallbacks, fn)
	p.capacityMu.Unlock()
}

func (p *Pool) notifyCapacityAvailable() {
	p.capacityMu.Lock()
	callbacks := make([]func(), len(p.capacityCallbacks))
	copy(callbacks, p.capacityCallbacks)
	p.capacityMu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

func (p *Pool) pushFree(idx uint32) {
	for {
		head := p.freeListHead.Load()
		p.slots[idx].nextFree.Store(head)
		if p.freeListHead.CompareAndSwap(head, idx) {
			return
		}
	}
}

// Create allocates a slot for work, returning a valid handle, or the
// invalid handle if the pool is full.
func (p *Pool) Create(work WorkFunc, execType ExecType, name string) Handle {
	for {
		head := p.freeListHead.Load()
		if head == noFree {
			return invalidHandle
		}
		next := p.slots[head].nextFree.Load()
		if !p.freeListHead.CompareAndSwap(head, next) {
			continue
		}

		s := &p.slots[head]
		gen, _ := s.load() // guaranteed StateFree: only the free list holds this index
		s.execType = execType
		s.work = work
		s.name = name
		s.word.Store(packWord(gen, StateAllocated))

		p.activeCount.Add(1)
		return Handle{owner: p, generation: gen, index: head}
	}
}

// Schedule transitions a handle's slot from Allocated to Scheduled,
// marking it ready in the appropriate SignalTree.
func (p *Pool) Schedule(h Handle) ScheduleResult {
	if h.owner != p || h.index >= uint32(len(p.slots)) {
		return ScheduleRejectedInvalid
	}
	s := &p.slots[h.index]
	for {
		w := s.word.Load()
		gen, st := unpackWord(w)
		if gen != h.generation {
			return ScheduleRejectedInvalid
		}
		switch st {
		case StateScheduled:
			return AlreadyScheduled
		case StateExecuting:
			return ScheduleRejectedExecuting
		case StateFree:
			return ScheduleRejectedInvalid
		}
		if s.word.CompareAndSwap(w, packWord(gen, StateScheduled)) {
			_ = p.treeFor(s.execType).Set(h.index)
			p.countersFor(s.execType).scheduled.Add(1)
			p.notifyProvider()
			return Scheduled
		}
	}
}

// Unschedule transitions a handle's slot from Scheduled back to
// Allocated, clearing its SignalTree bit.
func (p *Pool) Unschedule(h Handle) UnscheduleResult {
	if h.owner != p || h.index >= uint32(len(p.slots)) {
		return UnscheduleRejectedInvalid
	}
	s := &p.slots[h.index]
	for {
		w := s.word.Load()
		gen, st := unpackWord(w)
		if gen != h.generation {
			return UnscheduleRejectedInvalid
		}
		switch st {
		case StateAllocated:
			return NotScheduled
		case StateExecuting:
			return UnscheduleRejectedExecuting
		case StateFree:
			return UnscheduleRejectedInvalid
		}
		if st != StateScheduled {
			return UnscheduleRejectedInvalid
		}
		if s.word.CompareAndSwap(w, packWord(gen, StateAllocated)) {
			_ = p.treeFor(s.execType).Clear(h.index)
			c := p.countersFor(s.execType)
			if c.scheduled.Add(-1) == 0 {
				p.wake()
			}
			return Unscheduled
		}
	}
}

// Release cancels a contract externally: Allocated or Scheduled slots go
// straight to Free; Executing slots are left alone (natural completion
// handles them). Idempotent.
func (p *Pool) Release(h Handle) {
	if h.owner != p || h.index >= uint32(len(p.slots)) {
		return
	}
	s := &p.slots[h.index]
	for {
		w := s.word.Load()
		gen, st := unpackWord(w)
		if gen != h.generation || st == StateFree || st == StateExecuting {
			return
		}
		newGen := gen + 1
		if s.word.CompareAndSwap(w, packWord(newGen, StateFree)) {
			if st == StateScheduled {
				_ = p.treeFor(s.execType).Clear(h.index)
				p.countersFor(s.execType).scheduled.Add(-1)
			}
			s.work = nil
			p.activeCount.Add(-1)
			p.pushFree(h.index)
			p.notifyCapacityAvailable()
			p.wake()
			return
		}
	}
}

func (p *Pool) selectFor(et ExecType, bias *uint64) Handle {
	selectingCounter := &p.selecting
	if et == MainThread {
		selectingCounter = &p.mainSelecting
	}
	selectingCounter.Add(1)
	defer func() {
		if selectingCounter.Add(-1) == 0 {
			p.wake()
		}
	}()

	if p.stopping.Load() {
		return invalidHandle
	}

	b := bias
	var localBias uint64
	if b == nil {
		biasVar := &p.anyBias
		if et == MainThread {
			biasVar = &p.mainBias
		}
		localBias = biasVar.Load()
		b = &localBias
	}

	idx, ok, _ := p.treeFor(et).Select(b)
	if bias == nil {
		biasVar := &p.anyBias
		if et == MainThread {
			biasVar = &p.mainBias
		}
		biasVar.Store(localBias)
	}
	if !ok {
		return invalidHandle
	}

	s := &p.slots[idx]
	w := s.word.Load()
	gen, st := unpackWord(w)
	if st != StateScheduled {
		return invalidHandle
	}
	if !s.word.CompareAndSwap(w, packWord(gen, StateExecuting)) {
		return invalidHandle
	}
	c := p.countersFor(et)
	c.scheduled.Add(-1)
	c.executing.Add(1)
	return Handle{owner: p, generation: gen, index: idx}
}

// SelectForExecution claims one ready any-thread slot, transitioning it to
// Executing. bias may be nil to use the pool's own rotating bias.
func (p *Pool) SelectForExecution(bias *uint64) Handle {
	return p.selectFor(AnyThread, bias)
}

// SelectForMainThread claims one ready main-thread slot.
func (p *Pool) SelectForMainThread(bias *uint64) Handle {
	return p.selectFor(MainThread, bias)
}

// Execute invokes the work callable captured by h's slot. h must have been
// returned by SelectForExecution/SelectForMainThread and not yet
// completed. The callable may panic; Execute does not recover, by design
// (user callables may throw; core infrastructure does
// not) — callers (WorkerService, NodeScheduler) are responsible for
// catching it.
func (p *Pool) Execute(h Handle) Result {
	if h.owner != p || h.index >= uint32(len(p.slots)) {
		return Complete
	}
	s := &p.slots[h.index]
	work := s.work
	if work == nil {
		return Complete
	}
	return work()
}

func (p *Pool) complete(h Handle, et ExecType) {
	if h.owner != p || h.index >= uint32(len(p.slots)) {
		return
	}
	s := &p.slots[h.index]
	for {
		w := s.word.Load()
		gen, st := unpackWord(w)
		if gen != h.generation || st != StateExecuting {
			return
		}
		newGen := gen + 1
		if s.word.CompareAndSwap(w, packWord(newGen, StateFree)) {
			s.work = nil
			p.countersFor(et).executing.Add(-1)
			p.activeCount.Add(-1)
			p.pushFree(h.index)
			p.notifyCapacityAvailable()
			p.wake()
			return
		}
	}
}

// Complete returns an any-thread handle's slot to the free list.
func (p *Pool) Complete(h Handle) { p.complete(h, AnyThread) }

// CompleteMain returns a main-thread handle's slot to the free list.
func (p *Pool) CompleteMain(h Handle) { p.complete(h, MainThread) }

// ExecuteMainThreadWork drains up to n ready main-thread slots on the
// calling goroutine, rotating a local bias between executions to spread
// selection.
func (p *Pool) ExecuteMainThreadWork(n int) int {
	var bias uint64
	ran := 0
	for i := 0; i < n; i++ {
		h := p.SelectForMainThread(&bias)
		if !h.Valid() {
			break
		}
		p.Execute(h)
		p.CompleteMain(h)
		ran++
		bias = bias<<1 | bias>>63
	}
	return ran
}

// Stop prevents further selections and wakes any waiters so they can
// re-check the (now stricter) quiescence predicate. In-flight executing
// work is never cancelled.
func (p *Pool) Stop() {
	p.stopping.Store(true)
	p.wake()
}

// Resume clears the stopping flag. Resume
// is passive: it does not itself wake waiters blocked by a selection
// failure elsewhere; callers that need selections retried should notify
// their own ConcurrencyProvider.
func (p *Pool) Resume() {
	p.stopping.Store(false)
}

func (p *Pool) quiescent() bool {
	if p.stopping.Load() {
		return p.any.executing.Load() == 0 && p.selecting.Load() == 0 &&
			p.main.executing.Load() == 0 && p.mainSelecting.Load() == 0
	}
	return p.any.scheduled.Load() == 0 && p.any.executing.Load() == 0 &&
		p.main.scheduled.Load() == 0 && p.main.executing.Load() == 0
}

// wake takes an uncontended lock/unlock around Broadcast so a goroutine
// that is mid-way through re-checking the quiescence predicate in Wait
// cannot miss this wakeup (the classic lost-wakeup hazard of pairing a
// condition variable with lock-free counters). It is only invoked on the
// counter transitions that could make the predicate true, not on every
// hot-path operation.
func (p *Pool) wake() {
	p.mu.Lock()
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Wait blocks until the pool is quiescent: while stopping, until no
// selection or execution is in flight; otherwise until nothing is
// scheduled or executing.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.quiescent() {
		p.cond.Wait()
	}
}

// Stats is a point-in-time snapshot of pool counters, read with relaxed
// ordering (best-effort, not a consistent multi-field snapshot).
type Stats struct {
	Capacity           uint32
	ActiveCount        int64
	ScheduledCount     int64
	ExecutingCount     int64
	MainScheduledCount int64
	MainExecutingCount int64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:           p.capacity,
		ActiveCount:        p.activeCount.Load(),
		ScheduledCount:     p.any.scheduled.Load(),
		ExecutingCount:     p.any.executing.Load(),
		MainScheduledCount: p.main.scheduled.Load(),
		MainExecutingCount: p.main.executing.Load(),
	}
}

// Close stops the pool and waits for it to become quiescent, then
// force-frees every remaining non-executing slot (logging an error for any
// slot still executing) and notifies the concurrency provider that this
// pool is going away.
func (p *Pool) Close() {
	p.Stop()
	p.Wait()

	for i := range p.slots {
		s := &p.slots[i]
		w := s.word.Load()
		gen, st := unpackWord(w)
		if st == StateExecuting {
			p.logger.WithFields(logrus.Fields{"pool": p.name, "slot": i}).
				Error("contract pool closed with a slot still executing")
			continue
		}
		if st == StateScheduled {
			_ = p.treeFor(s.execType).Clear(uint32(i))
		}
		if st != StateFree {
			s.word.Store(packWord(gen+1, StateFree))
			s.work = nil
		}
	}

	p.providerMu.Lock()
	provider := p.provider
	p.provider = nil
	p.providerMu.Unlock()
	if provider != nil {
		provider.NotifyGroupDestroyed(p)
	}
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
