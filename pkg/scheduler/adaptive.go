package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// AdaptiveRanking is the default scheduler strategy. Each worker thread
// maintains its own ranked view of the pools and an "affinity" position
// into that ranking, so concurrent workers naturally diverge to different
// high-pressure pools instead of colliding on whichever pool sorts first.
//
// rank(pool) = (scheduled / (executing + 1)) * (1 - executing/totalThreads)
//
// Pools with zero scheduled work are excluded before ranking.
type AdaptiveRanking struct {
	// UpdateInterval bounds how often a worker recomputes its ranking
	// purely on staleness, even if nothing else invalidated the cache.
	UpdateInterval time.Duration
	// MaxConsecutiveExecutionCount bounds how many times in a row a
	// worker will keep draining the same affinity pool before advancing
	// to the next ranked pool, to avoid starving lower-ranked pools.
	MaxConsecutiveExecutionCount int

	generation atomic.Uint64

	mu      sync.Mutex
	workers map[int]*workerRankState
}

type rankedPool struct {
	pool Pool
	rank float64
}

type workerRankState struct {
	ranked      []rankedPool
	affinityPos int
	consecutive int
	generation  uint64
	lastRanked  time.Time
}

func NewAdaptiveRanking() *AdaptiveRanking {
	return &AdaptiveRanking{
		UpdateInterval:               50 * time.Millisecond,
		MaxConsecutiveExecutionCount: 32,
		workers:                      make(map[int]*workerRankState),
	}
}

func (a *AdaptiveRanking) stateFor(threadID int) *workerRankState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.workers[threadID]
	if !ok {
		s = &workerRankState{}
		a.workers[threadID] = s
	}
	return s
}

func rank(p Pool, totalThreads int) float64 {
	scheduled := float64(p.ScheduledCount())
	executing := float64(p.ExecutingCount())
	if totalThreads <= 0 {
		totalThreads = 1
	}
	return (scheduled / (executing + 1)) * (1 - executing/float64(totalThreads))
}

func (a *AdaptiveRanking) recompute(s *workerRankState, pools []Pool, ctx Context) {
	ranked := make([]rankedPool, 0, len(pools))
	for _, p := range pools {
		if p.ScheduledCount() == 0 {
			continue
		}
		ranked = append(ranked, rankedPool{pool: p, rank: rank(p, ctx.TotalThreads)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].rank > ranked[j].rank })
	s.ranked = ranked
	s.affinityPos = 0
	s.consecutive = 0
	s.generation = a.generation.Load()
	s.lastRanked = time.Now()
}

func (a *AdaptiveRanking) SelectNextGroup(pools []Pool, ctx Context) (Pool, bool) {
	if len(pools) == 0 {
		return nil, true
	}
	s := a.stateFor(ctx.ThreadID)

	currentAffinityHasWork := func() bool {
		return len(s.ranked) > 0 && s.affinityPos < len(s.ranked) && s.ranked[s.affinityPos].pool.ScheduledCount() > 0
	}

	stale := len(s.ranked) == 0 ||
		s.generation != a.generation.Load() ||
		time.Since(s.lastRanked) > a.UpdateInterval ||
		!currentAffinityHasWork()

	if stale {
		a.recompute(s, pools, ctx)
	}

	if len(s.ranked) == 0 {
		return nil, true
	}

	if s.affinityPos < len(s.ranked) && s.ranked[s.affinityPos].pool.ScheduledCount() > 0 {
		return s.ranked[s.affinityPos].pool, false
	}

	for i, rp := range s.ranked {
		if rp.pool.ScheduledCount() > 0 {
			s.affinityPos = i
			s.consecutive = 0
			return rp.pool, false
		}
	}
	return nil, true
}

func (a *AdaptiveRanking) NotifyWorkExecuted(pool Pool, ctx Context) {
	s := a.stateFor(ctx.ThreadID)
	if s.affinityPos >= len(s.ranked) || s.ranked[s.affinityPos].pool != pool {
		return
	}
	s.consecutive++
	if s.consecutive >= a.MaxConsecutiveExecutionCount {
		s.affinityPos = (s.affinityPos + 1) % len(s.ranked)
		s.consecutive = 0
	}
}

func (a *AdaptiveRanking) NotifyPoolsChanged() {
	a.generation.Add(1)
}

func (a *AdaptiveRanking) Reset() {
	a.mu.Lock()
	a.workers = make(map[int]*workerRankState)
	a.mu.Unlock()
	a.generation.Add(1)
}

func (a *AdaptiveRanking) Name() string { return "adaptive-ranking" }
