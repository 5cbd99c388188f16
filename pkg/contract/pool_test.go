package contract

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity uint32) *Pool {
	t.Helper()
	p, err := New(Config{Capacity: capacity, Name: "test"})
	require.NoError(t, err)
	return p
}

// S2 — pool lifecycle.
func TestPoolLifecycleS2(t *testing.T) {
	p := newTestPool(t, 4)

	var handles [4]Handle
	for i := range handles {
		handles[i] = p.Create(FromVoid(func() {}), AnyThread, "")
		require.True(t, handles[i].Valid())
	}

	require.Equal(t, Scheduled, p.Schedule(handles[0]))
	require.Equal(t, Scheduled, p.Schedule(handles[1]))

	h0 := p.SelectForExecution(nil)
	h1 := p.SelectForExecution(nil)
	require.True(t, h0.Valid())
	require.True(t, h1.Valid())

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.ExecutingCount)
	assert.EqualValues(t, 0, stats.ScheduledCount)

	p.Complete(h0)
	p.Complete(h1)
	assert.EqualValues(t, 2, p.Stats().ActiveCount)

	p.Release(handles[2])
	p.Release(handles[3])
	assert.EqualValues(t, 0, p.Stats().ActiveCount)

	// generations of C2, C3 advanced by exactly one (release), C0, C1 by
	// one (complete).
	for i, h := range handles {
		assert.False(t, h.Valid(), "stale handle must no longer validate")
		gen, _ := p.slots[h.Index()].load()
		assert.Equal(t, h.Generation()+1, gen, "handle %d generation", i)
	}
}

func TestCreateFullPoolReturnsExactlyOneInvalid(t *testing.T) {
	p := newTestPool(t, 4)
	for i := 0; i < 4; i++ {
		h := p.Create(FromVoid(func() {}), AnyThread, "")
		require.True(t, h.Valid())
	}
	h := p.Create(FromVoid(func() {}), AnyThread, "")
	assert.False(t, h.Valid())
}

func TestScheduleUnscheduleRoundTrip(t *testing.T) {
	p := newTestPool(t, 2)
	h := p.Create(FromVoid(func() {}), AnyThread, "")

	require.Equal(t, Scheduled, p.Schedule(h))
	assert.EqualValues(t, 1, p.anyTree.Len())

	require.Equal(t, Unscheduled, p.Unschedule(h))
	assert.EqualValues(t, 0, p.anyTree.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, 1)
	h := p.Create(FromVoid(func() {}), AnyThread, "")
	p.Release(h)
	assert.EqualValues(t, 0, p.Stats().ActiveCount)
	p.Release(h) // no-op, handle already stale
	assert.EqualValues(t, 0, p.Stats().ActiveCount)
}

func TestStopResumeNoOp(t *testing.T) {
	p := newTestPool(t, 1)
	p.Stop()
	p.Resume()
	assert.False(t, p.stopping.Load())
}

func TestSelectForExecutionRejectsWhenStopped(t *testing.T) {
	p := newTestPool(t, 1)
	h := p.Create(FromVoid(func() {}), AnyThread, "")
	require.Equal(t, Scheduled, p.Schedule(h))
	p.Stop()
	got := p.SelectForExecution(nil)
	assert.False(t, got.Valid())
}

func TestMainThreadDrain(t *testing.T) {
	p := newTestPool(t, 4)
	ran := 0
	for i := 0; i < 3; i++ {
		h := p.Create(FromVoid(func() { ran++ }), MainThread, "")
		require.Equal(t, Scheduled, p.Schedule(h))
	}
	n := p.ExecuteMainThreadWork(10)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, ran)
	assert.EqualValues(t, 0, p.Stats().ActiveCount)
}

func TestConcurrentCreateScheduleSelectComplete(t *testing.T) {
	p := newTestPool(t, 64)
	var executed atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := p.Create(FromVoid(func() {}), AnyThread, "")
				if !h.Valid() {
					continue
				}
				if p.Schedule(h) != Scheduled {
					continue
				}
				sel := p.SelectForExecution(nil)
				if !sel.Valid() {
					continue
				}
				p.Execute(sel)
				executed.Add(1)
				p.Complete(sel)
			}
		}()
	}
	wg.Wait()
	p.Wait()
	assert.EqualValues(t, 0, p.Stats().ActiveCount)
	assert.EqualValues(t, 0, p.Stats().ScheduledCount)
	assert.EqualValues(t, 0, p.Stats().ExecutingCount)
}
