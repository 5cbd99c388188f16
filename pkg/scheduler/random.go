package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// Random selects uniformly among pools with scheduled work via reservoir
// sampling, so every eligible pool has equal probability regardless of
// its position in the list. Each worker thread holds its own PRNG, seeded
// from its thread id and the time it first calls in, so concurrent
// workers never contend on a shared source.
type Random struct {
	mu    sync.Mutex
	rngs  map[int]*rand.Rand
}

func NewRandom() *Random {
	return &Random{rngs: make(map[int]*rand.Rand)}
}

func (r *Random) rngFor(threadID int) *rand.Rand {
	r.mu.Lock()
	defer r.mu.Unlock()
	rng, ok := r.rngs[threadID]
	if !ok {
		rng = rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(threadID)*0x9E3779B97F4A7C15))
		r.rngs[threadID] = rng
	}
	return rng
}

func (r *Random) SelectNextGroup(pools []Pool, ctx Context) (Pool, bool) {
	rng := r.rngFor(ctx.ThreadID)

	var chosen Pool
	seen := 0
	for _, p := range pools {
		if p.ScheduledCount() == 0 {
			continue
		}
		seen++
		if seen == 1 {
			chosen = p
			continue
		}
		if rng.Intn(seen) == 0 {
			chosen = p
		}
	}
	if chosen == nil {
		return nil, true
	}
	return chosen, false
}

func (r *Random) NotifyWorkExecuted(Pool, Context) {}

func (r *Random) NotifyPoolsChanged() {}

func (r *Random) Reset() {
	r.mu.Lock()
	r.rngs = make(map[int]*rand.Rand)
	r.mu.Unlock()
}

func (r *Random) Name() string { return "random" }
