package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePool is a minimal Pool for strategy unit tests.
type fakePool struct {
	name      string
	scheduled atomic.Int64
	executing atomic.Int64
	stopping  atomic.Bool
}

func (f *fakePool) Name() string            { return f.name }
func (f *fakePool) ScheduledCount() int64   { return f.scheduled.Load() }
func (f *fakePool) ExecutingCount() int64   { return f.executing.Load() }
func (f *fakePool) Stopping() bool          { return f.stopping.Load() }

func TestDirectPicksFirstWithWork(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	b.scheduled.Store(1)

	d := NewDirect()
	pool, sleep := d.SelectNextGroup([]Pool{a, b}, Context{})
	require.NotNil(t, pool)
	assert.Equal(t, "b", pool.Name())
	assert.False(t, sleep)
}

func TestDirectSleepsWhenEmpty(t *testing.T) {
	a := &fakePool{name: "a"}
	d := NewDirect()
	pool, sleep := d.SelectNextGroup([]Pool{a}, Context{})
	assert.Nil(t, pool)
	assert.True(t, sleep)
}

func TestSpinningDirectNeverSleeps(t *testing.T) {
	a := &fakePool{name: "a"}
	d := NewSpinningDirect()
	pool, sleep := d.SelectNextGroup([]Pool{a}, Context{})
	assert.Nil(t, pool)
	assert.False(t, sleep)
}

func TestRoundRobinAdvances(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	a.scheduled.Store(1)
	b.scheduled.Store(1)

	rr := NewRoundRobin()
	ctx := Context{ThreadID: 1}

	first, _ := rr.SelectNextGroup([]Pool{a, b}, ctx)
	second, _ := rr.SelectNextGroup([]Pool{a, b}, ctx)
	assert.NotEqual(t, first.Name(), second.Name())
}

func TestRoundRobinPerThreadCursorsIndependent(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	a.scheduled.Store(1)
	b.scheduled.Store(1)

	rr := NewRoundRobin()
	first1, _ := rr.SelectNextGroup([]Pool{a, b}, Context{ThreadID: 1})
	first2, _ := rr.SelectNextGroup([]Pool{a, b}, Context{ThreadID: 2})
	assert.Equal(t, first1.Name(), first2.Name()) // both start fresh at index 0
}

func TestRandomOnlyPicksPoolsWithWork(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	b.scheduled.Store(1)

	r := NewRandom()
	for i := 0; i < 20; i++ {
		pool, sleep := r.SelectNextGroup([]Pool{a, b}, Context{ThreadID: i})
		require.False(t, sleep)
		assert.Equal(t, "b", pool.Name())
	}
}

func TestRandomDistributesAcrossEligiblePools(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	a.scheduled.Store(1)
	b.scheduled.Store(1)

	r := NewRandom()
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		pool, _ := r.SelectNextGroup([]Pool{a, b}, Context{ThreadID: i})
		counts[pool.Name()]++
	}
	assert.Greater(t, counts["a"], 100)
	assert.Greater(t, counts["b"], 100)
}

func TestAdaptiveRankingExcludesEmptyPools(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	b.scheduled.Store(5)

	ar := NewAdaptiveRanking()
	pool, sleep := ar.SelectNextGroup([]Pool{a, b}, Context{ThreadID: 1, TotalThreads: 4})
	require.False(t, sleep)
	assert.Equal(t, "b", pool.Name())
}

func TestAdaptiveRankingPrefersHigherRank(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	a.scheduled.Store(10)
	b.scheduled.Store(10)
	b.executing.Store(5) // higher executing load depresses b's rank

	ar := NewAdaptiveRanking()
	pool, _ := ar.SelectNextGroup([]Pool{a, b}, Context{ThreadID: 1, TotalThreads: 4})
	assert.Equal(t, "a", pool.Name())
}

func TestAdaptiveRankingAdvancesAfterMaxConsecutive(t *testing.T) {
	a := &fakePool{name: "a"}
	b := &fakePool{name: "b"}
	a.scheduled.Store(10)
	b.scheduled.Store(1)

	ar := NewAdaptiveRanking()
	ar.MaxConsecutiveExecutionCount = 2
	ctx := Context{ThreadID: 1, TotalThreads: 4}

	pool, _ := ar.SelectNextGroup([]Pool{a, b}, ctx)
	require.Equal(t, "a", pool.Name())
	ar.NotifyWorkExecuted(pool, ctx)
	pool, _ = ar.SelectNextGroup([]Pool{a, b}, ctx)
	require.Equal(t, "a", pool.Name())
	ar.NotifyWorkExecuted(pool, ctx)

	// third call: consecutive hit max on the previous notify, affinity
	// should have advanced to b.
	pool, _ = ar.SelectNextGroup([]Pool{a, b}, ctx)
	assert.Equal(t, "b", pool.Name())
}

func TestAdaptiveRankingSleepsWhenNothingScheduled(t *testing.T) {
	a := &fakePool{name: "a"}
	ar := NewAdaptiveRanking()
	pool, sleep := ar.SelectNextGroup([]Pool{a}, Context{ThreadID: 1, TotalThreads: 2})
	assert.Nil(t, pool)
	assert.True(t, sleep)
}
