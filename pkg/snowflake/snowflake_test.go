package snowflake

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	for _, node := range []int64{0, 1, nodeMask} {
		gen, err := NewGenerator(node)
		require.NoError(t, err)
		assert.Equal(t, node, gen.nodeID)
	}

	for _, node := range []int64{-1, nodeMask + 1} {
		gen, err := NewGenerator(node)
		assert.ErrorIs(t, err, ErrInvalidNode)
		assert.Nil(t, gen)
	}
}

func TestGenerator_IncreasingAndUnique(t *testing.T) {
	gen, err := NewGenerator(3)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	prev := int64(-1)
	for i := 0; i < 10000; i++ {
		id := gen.NextID()
		assert.Greater(t, id, prev)
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		prev = id
	}
}

func TestGenerator_Concurrent(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		mu  sync.Mutex
		ids = make(map[int64]bool, workers*perWorker)
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, gen.NextID())
			}
			mu.Lock()
			for _, id := range local {
				ids[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, workers*perWorker)
}

func TestGenerator_ClockMovesBackwards(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	now := Epoch + 10_000
	gen.clock = func() int64 { return now }
	first := gen.NextID()

	now -= 5_000
	second := gen.NextID()
	assert.Greater(t, second, first)

	millis, _, step := Parse(second)
	assert.Equal(t, Epoch+10_000, millis)
	assert.Equal(t, int64(1), step)
}

func TestParse(t *testing.T) {
	gen, err := NewGenerator(42)
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	id := gen.NextID()

	_, node, _ := Parse(id)
	assert.Equal(t, int64(42), node)
	assert.WithinDuration(t, time.Now().UTC(), Time(id), 2*time.Second)
	assert.True(t, Time(id).After(before))
}

func TestGenerator_Next(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	a, b := gen.Next("SH"), gen.Next("SH")
	assert.True(t, strings.HasPrefix(a, "SH"))
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 32, "fits shipments.shipment_no")
}
