package signaltree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(1)
	assert.ErrorIs(t, err, ErrInvalidLeafCapacity)

	_, err = New(3)
	assert.ErrorIs(t, err, ErrInvalidLeafCapacity)

	tr, err := New(2)
	require.NoError(t, err)
	assert.EqualValues(t, 128, tr.Capacity())
}

// S1 — signal tree concurrent select.
func TestSelectConcurrentS1(t *testing.T) {
	tr, err := New(2) // 128 signals
	require.NoError(t, err)

	for _, i := range []uint32{0, 1, 65, 127} {
		require.NoError(t, tr.Set(i))
	}
	assert.EqualValues(t, 4, tr.Len())

	var bias uint64
	got := map[uint32]bool{}
	wantRoot := []uint32{3, 2, 1, 0}
	for n := 0; n < 4; n++ {
		idx, ok, empty := tr.Select(&bias)
		require.True(t, ok)
		got[idx] = true
		assert.EqualValues(t, wantRoot[n], tr.Len())
		assert.Equal(t, wantRoot[n] == 0, empty)
	}
	assert.Equal(t, map[uint32]bool{0: true, 1: true, 65: true, 127: true}, got)

	idx, ok, empty := tr.Select(&bias)
	assert.Equal(t, NoIndex, idx)
	assert.False(t, ok)
	assert.True(t, empty)
}

func TestSetClearRoundTrip(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)

	require.NoError(t, tr.Set(10))
	require.NoError(t, tr.Set(10)) // idempotent
	assert.EqualValues(t, 1, tr.Len())

	require.NoError(t, tr.Clear(10))
	require.NoError(t, tr.Clear(10)) // idempotent
	assert.EqualValues(t, 0, tr.Len())
}

func TestOutOfRange(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Set(128), ErrIndexOutOfRange)
	assert.ErrorIs(t, tr.Clear(128), ErrIndexOutOfRange)
}

// Invariant 1: after any sequence of set/clear, every internal node equals
// the sum of its children's populations, and root equals the total set
// bit count.
func checkInvariant(t *testing.T, tr *SignalTree) {
	t.Helper()
	var walk func(idx uint32) uint64
	walk = func(idx uint32) uint64 {
		if tr.isLeaf(idx) {
			return tr.population(idx)
		}
		left := walk(2*idx + 1)
		right := walk(2*idx + 2)
		stored := tr.nodes[idx].Load()
		assert.Equal(t, left+right, stored, "node %d population mismatch", idx)
		return stored
	}
	total := walk(0)
	assert.EqualValues(t, total, tr.Len())
}

func TestInvariantAfterRandomOps(t *testing.T) {
	tr, err := New(4) // 256 signals
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	present := map[uint32]bool{}
	for n := 0; n < 2000; n++ {
		i := uint32(rng.Intn(int(tr.Capacity())))
		if rng.Intn(2) == 0 {
			require.NoError(t, tr.Set(i))
			present[i] = true
		} else {
			require.NoError(t, tr.Clear(i))
			delete(present, i)
		}
	}
	checkInvariant(t, tr)
	assert.EqualValues(t, len(present), tr.Len())
}

func TestSelectConcurrentNoDoubleClaim(t *testing.T) {
	tr, err := New(8) // 512 signals
	require.NoError(t, err)

	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tr.Set(i))
	}

	var mu sync.Mutex
	claimed := map[uint32]int{}
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			bias := uint64(seed)
			for {
				idx, ok, _ := tr.Select(&bias)
				if !ok {
					return
				}
				mu.Lock()
				claimed[idx]++
				mu.Unlock()
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for idx, count := range claimed {
		assert.Equal(t, 1, count, "index %d claimed %d times", idx, count)
	}
	assert.EqualValues(t, 0, tr.Len())
}

// Property-based checks (gopter), covering round-trip and boundary
// invariants across many generated bit sequences.
func TestProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("set-then-clear leaves tree empty", prop.ForAll(
		func(idx uint32) bool {
			tr, _ := New(2)
			idx = idx % tr.Capacity()
			_ = tr.Set(idx)
			_ = tr.Clear(idx)
			return tr.Len() == 0
		},
		gen.UInt32(),
	))

	properties.Property("population matches set count", prop.ForAll(
		func(indices []uint32) bool {
			tr, _ := New(4)
			seen := map[uint32]bool{}
			for _, raw := range indices {
				idx := raw % tr.Capacity()
				_ = tr.Set(idx)
				seen[idx] = true
			}
			return tr.Len() == uint32(len(seen))
		},
		gen.SliceOf(gen.UInt32()),
	))

	properties.TestingRun(t)
}
