package workgraph

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/workengine/pkg/contract"
	"github.com/khryptorgraphics/workengine/pkg/events"
	"github.com/khryptorgraphics/workengine/pkg/worker"
)

func newTestRig(t *testing.T, capacity uint32, cfg Config) (*contract.Pool, *worker.Service, *WorkGraph) {
	t.Helper()
	pool, err := contract.New(contract.Config{Capacity: capacity, Name: "graph-pool"})
	require.NoError(t, err)

	svc := worker.New(worker.Config{ThreadCount: 4, PollInterval: time.Millisecond})

	g := New(pool, cfg)
	svc.Register(pool)
	svc.Start()
	t.Cleanup(svc.Stop)

	return pool, svc, g
}

// TestLinearGraphCompletes exercises S3: A -> B -> C, all empty
// callables, execute+wait must report every node completed.
func TestLinearGraphCompletes(t *testing.T) {
	_, _, g := newTestRig(t, 16, Config{EnableEvents: true})

	var order []string
	var mu sync.Mutex
	record := func(name string) contract.WorkFunc {
		return contract.FromVoid(func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	a := g.AddNode(record("A"), contract.AnyThread, "A")
	b := g.AddNode(record("B"), contract.AnyThread, "B")
	c := g.AddNode(record("C"), contract.AnyThread, "C")

	require.NoError(t, g.AddDependency(a, b))
	require.NoError(t, g.AddDependency(b, c))

	require.NoError(t, g.Execute())
	summary := g.Wait()

	assert.Equal(t, Summary{Completed: 3, AllCompleted: true}, summary)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

// TestFailureCascade exercises S4: diamond A->B, A->C, B->D, C->D where A
// panics. B, C, D must all end up Cancelled without ever executing.
func TestFailureCascade(t *testing.T) {
	_, _, g := newTestRig(t, 16, Config{EnableEvents: true})

	var bRan, cRan, dRan atomic.Bool
	a := g.AddNode(contract.FromVoid(func() { panic("boom") }), contract.AnyThread, "A")
	b := g.AddNode(contract.FromVoid(func() { bRan.Store(true) }), contract.AnyThread, "B")
	c := g.AddNode(contract.FromVoid(func() { cRan.Store(true) }), contract.AnyThread, "C")
	d := g.AddNode(contract.FromVoid(func() { dRan.Store(true) }), contract.AnyThread, "D")

	require.NoError(t, g.AddDependency(a, b))
	require.NoError(t, g.AddDependency(a, c))
	require.NoError(t, g.AddDependency(b, d))
	require.NoError(t, g.AddDependency(c, d))

	require.NoError(t, g.Execute())
	summary := g.Wait()

	assert.Equal(t, int64(0), summary.Completed)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(3), summary.Cancelled)
	assert.False(t, summary.AllCompleted)

	assert.False(t, bRan.Load())
	assert.False(t, cRan.Load())
	assert.False(t, dRan.Load())

	assert.Equal(t, Cancelled, b.State())
	assert.Equal(t, Cancelled, c.State())
	assert.Equal(t, Cancelled, d.State())
}

// TestCapacityBackpressure exercises S5: a pool with capacity 2 and a
// deferred bound of 2 cannot admit all five independent roots at once;
// two defer, and the fifth is dropped.
func TestCapacityBackpressure(t *testing.T) {
	pool, err := contract.New(contract.Config{Capacity: 2, Name: "tiny-pool"})
	require.NoError(t, err)

	svc := worker.New(worker.Config{ThreadCount: 2, PollInterval: time.Millisecond})
	g := New(pool, Config{EnableEvents: true, MaxDeferredNodes: 2})

	release := make(chan struct{})
	var started atomic.Int64
	slow := func() contract.WorkFunc {
		return contract.FromVoid(func() {
			started.Add(1)
			<-release
		})
	}

	handles := make([]NodeHandle, 0, 5)
	for i := 0; i < 5; i++ {
		handles = append(handles, g.AddNode(slow(), contract.AnyThread, "root"))
	}

	svc.Register(pool)
	svc.Start()
	defer svc.Stop()

	require.NoError(t, g.Execute())

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)

	stats := g.Stats()
	assert.EqualValues(t, 1, stats.Dropped)

	close(release)
	summary := g.Wait()
	assert.EqualValues(t, 4, summary.Completed)
	assert.EqualValues(t, 1, summary.Failed)
	assert.EqualValues(t, 1, summary.Dropped)
}

// TestYieldHonorsMaxReschedules exercises S6: a yieldable node that
// always returns Yield fails after exactly maxReschedules reschedules,
// i.e. after maxReschedules+1 executions.
func TestYieldHonorsMaxReschedules(t *testing.T) {
	_, _, g := newTestRig(t, 4, Config{EnableEvents: true})

	var executions atomic.Int64
	yielder := func() contract.Result {
		executions.Add(1)
		return contract.Yield
	}

	n := g.AddYieldableNode(yielder, contract.AnyThread, "Y", 3)
	require.NoError(t, g.Execute())
	summary := g.Wait()

	assert.EqualValues(t, 0, summary.Completed)
	assert.EqualValues(t, 1, summary.Failed)
	assert.EqualValues(t, 4, executions.Load())
	assert.Equal(t, Failed, n.State())
}

func TestAddDependencyRejectsSelfLoopAndCycle(t *testing.T) {
	_, _, g := newTestRig(t, 4, Config{})

	a := g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "A")
	b := g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "B")
	c := g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "C")

	assert.Error(t, g.AddDependency(a, a))

	require.NoError(t, g.AddDependency(a, b))
	require.NoError(t, g.AddDependency(b, c))
	assert.Error(t, g.AddDependency(c, a))
}

func TestExecuteTwiceFailsWithAlreadyStarted(t *testing.T) {
	_, _, g := newTestRig(t, 4, Config{})
	g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "A")

	require.NoError(t, g.Execute())
	g.Wait()
	assert.Error(t, g.Execute())
}

func TestEventBusObservesLinearGraph(t *testing.T) {
	bus := events.NewBus()
	var readyOrder []string
	var mu sync.Mutex
	bus.Subscribe(events.NodeReady{}, func(e events.Event) {
		mu.Lock()
		readyOrder = append(readyOrder, e.(events.NodeReady).Node)
		mu.Unlock()
	})

	pool, err := contract.New(contract.Config{Capacity: 16, Name: "evt-pool"})
	require.NoError(t, err)
	svc := worker.New(worker.Config{ThreadCount: 2, PollInterval: time.Millisecond})
	g := New(pool, Config{EnableEvents: true, EventBus: bus})
	svc.Register(pool)
	svc.Start()
	defer svc.Stop()

	a := g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "A")
	b := g.AddNode(contract.FromVoid(func() {}), contract.AnyThread, "B")
	require.NoError(t, g.AddDependency(a, b))

	require.NoError(t, g.Execute())
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, readyOrder, 2)
	assert.Equal(t, "A", readyOrder[0])
	assert.Equal(t, "B", readyOrder[1])
}
