// Package scheduler defines the pluggable selection strategy a
// WorkerService consults to pick which pool to drain next, plus five
// reference strategies: Direct, SpinningDirect, RoundRobin, Random, and
// AdaptiveRanking.
package scheduler

// Pool is the subset of *contract.Pool a Strategy needs. Defined locally
// (rather than imported) so this package has no dependency on pkg/contract
// — the scheduler only ever needs a pool's counters and identity.
type Pool interface {
	Name() string
	ScheduledCount() int64
	ExecutingCount() int64
	Stopping() bool
}

// Context carries per-call state a worker passes into selection.
type Context struct {
	ThreadID          int
	ConsecutiveFailures int
	LastExecutedGroup   string
	TotalThreads        int
}

// Strategy picks which pool a worker should drain next. Implementations
// must be safe for concurrent use by many worker goroutines; any
// per-worker state (round-robin cursor, PRNG, ranking cache) must be keyed
// by Context.ThreadID rather than shared.
type Strategy interface {
	// SelectNextGroup returns the pool to drain, or nil if none has work.
	// shouldSleep signals that the caller should block on its condition
	// variable rather than spin-retry immediately.
	SelectNextGroup(pools []Pool, ctx Context) (pool Pool, shouldSleep bool)

	// NotifyWorkExecuted is an optional hook called after a successful
	// execution on the returned pool, so strategies that track recency
	// (AdaptiveRanking) can update their state.
	NotifyWorkExecuted(pool Pool, ctx Context)

	// NotifyPoolsChanged is called whenever the registered pool list
	// changes membership, so strategies with pool-keyed caches
	// (AdaptiveRanking's per-worker ranking) know to invalidate them.
	NotifyPoolsChanged()

	// Reset clears any internal state, as if newly constructed.
	Reset()

	// Name identifies the strategy, e.g. for logging and metrics.
	Name() string
}
