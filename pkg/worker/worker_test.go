package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/workengine/pkg/contract"
)

func newTestPool(t *testing.T, name string, capacity uint32) *contract.Pool {
	t.Helper()
	p, err := contract.New(contract.Config{Capacity: capacity, Name: name})
	require.NoError(t, err)
	return p
}

// TestServiceDrainsScheduledWork exercises the end-to-end worker loop: a
// handful of contracts are created and scheduled on a pool registered with
// a running Service, and the service must execute every one of them.
func TestServiceDrainsScheduledWork(t *testing.T) {
	pool := newTestPool(t, "p1", 16)

	var executed atomic.Int64
	const n = 8
	handles := make([]contract.Handle, 0, n)
	for i := 0; i < n; i++ {
		h := pool.Create(contract.FromVoid(func() { executed.Add(1) }), contract.AnyThread, "job")
		require.True(t, h.Valid())
		handles = append(handles, h)
	}

	svc := New(Config{ThreadCount: 4, PollInterval: time.Millisecond})
	svc.Register(pool)
	svc.Start()
	defer svc.Stop()

	for _, h := range handles {
		require.Equal(t, contract.Scheduled, pool.Schedule(h))
	}

	require.Eventually(t, func() bool {
		return executed.Load() == n
	}, 2*time.Second, time.Millisecond)

	pool.Wait()
}

func TestServiceRecoversPanickingWork(t *testing.T) {
	pool := newTestPool(t, "panicky", 4)

	h := pool.Create(contract.FromVoid(func() { panic("boom") }), contract.AnyThread, "job")
	require.True(t, h.Valid())

	svc := New(Config{ThreadCount: 1, PollInterval: time.Millisecond})
	svc.Register(pool)
	svc.Start()
	defer svc.Stop()

	require.Equal(t, contract.Scheduled, pool.Schedule(h))

	require.Eventually(t, func() bool {
		pool.Wait()
		return true
	}, time.Second, time.Millisecond)
}

func TestServiceStopIsIdempotentAndRestartable(t *testing.T) {
	pool := newTestPool(t, "restart", 4)
	svc := New(Config{ThreadCount: 2, PollInterval: time.Millisecond})
	svc.Register(pool)

	svc.Start()
	svc.Start() // second Start is a no-op while running
	svc.Stop()
	svc.Stop() // second Stop while fully stopped is a no-op

	var ran atomic.Bool
	h := pool.Create(contract.FromVoid(func() { ran.Store(true) }), contract.AnyThread, "job")
	require.True(t, h.Valid())

	svc.Start()
	defer svc.Stop()
	require.Equal(t, contract.Scheduled, pool.Schedule(h))
	assert.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestNotifyGroupDestroyedRemovesPool(t *testing.T) {
	pool := newTestPool(t, "ephemeral", 2)
	svc := New(Config{ThreadCount: 1, PollInterval: time.Millisecond})
	svc.Register(pool)

	require.Len(t, svc.snapshot(), 1)
	svc.NotifyGroupDestroyed(pool)
	assert.Len(t, svc.snapshot(), 0)
}
