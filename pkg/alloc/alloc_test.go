package alloc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateDeterministic(t *testing.T) {
	p1, err := NewPool(100, 199)
	require.NoError(t, err)
	p2, err := NewPool(100, 199)
	require.NoError(t, err)

	id1, err := p1.Allocate("100.64.0.5")
	require.NoError(t, err)
	id2, err := p2.Allocate("100.64.0.5")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same peer should land on the same id in an empty pool")
	assert.GreaterOrEqual(t, id1, 100)
	assert.LessOrEqual(t, id1, 199)
}

func TestAllocateIdempotentPerPeer(t *testing.T) {
	p, err := NewPool(100, 199)
	require.NoError(t, err)
	a, err := p.Allocate("100.64.0.5")
	require.NoError(t, err)
	b, err := p.Allocate("100.64.0.5")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, p.InUse())
}

func TestAllocateUniqueAcrossPeers(t *testing.T) {
	p, err := NewPool(100, 199)
	require.NoError(t, err)
	seen := map[int]string{}
	for i := 0; i < 100; i++ {
		peer := fmt.Sprintf("100.64.0.%d", i)
		id, err := p.Allocate(peer)
		require.NoError(t, err)
		if prev, dup := seen[id]; dup {
			t.Fatalf("id %d handed to both %s and %s", id, prev, peer)
		}
		seen[id] = peer
	}
	_, err = p.Allocate("100.64.1.1")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestReleaseReturnsIDToPool(t *testing.T) {
	p, err := NewPool(100, 101)
	require.NoError(t, err)
	a, err := p.Allocate("p1")
	require.NoError(t, err)
	_, err = p.Allocate("p2")
	require.NoError(t, err)
	_, err = p.Allocate("p3")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, p.Release(a))
	id, err := p.Allocate("p3")
	require.NoError(t, err)
	assert.Equal(t, a, id)
}

func TestReleaseNotOwned(t *testing.T) {
	p, err := NewPool(100, 199)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(150), ErrNotOwned)
}

func TestRehydrate(t *testing.T) {
	p, err := NewPool(100, 199)
	require.NoError(t, err)
	require.NoError(t, p.Rehydrate(map[string]int{"100.64.0.5": 142, "100.64.0.6": 100}))

	id, err := p.Allocate("100.64.0.5")
	require.NoError(t, err)
	assert.Equal(t, 142, id)

	owner, ok := p.Owner(100)
	require.True(t, ok)
	assert.Equal(t, "100.64.0.6", owner)

	assert.Error(t, p.Rehydrate(map[string]int{"x": 99}), "id below pool floor")
	assert.Error(t, p.Rehydrate(map[string]int{"y": 142}), "id already claimed")
}

func TestConcurrentAllocateNeverCollides(t *testing.T) {
	p, err := NewPool(100, 199)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := p.Allocate(fmt.Sprintf("100.64.2.%d", i))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}
