package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(0)
	assert.Equal(t, 1, r.NumShards())
	assert.Equal(t, 0, r.Len())

	r = NewRegistry(10)
	assert.Equal(t, 10, r.NumShards())
}

func TestRegistryNextID(t *testing.T) {
	r := NewRegistry(4)
	assert.Equal(t, uint64(1), r.NextID())
	assert.Equal(t, uint64(2), r.NextID())

	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- r.NextID()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for id := range seen {
		assert.False(t, unique[id], "id %d issued twice", id)
		unique[id] = true
	}
	assert.Len(t, unique, 100)
}

func TestRegistryShardOf(t *testing.T) {
	r := NewRegistry(10)
	tests := []struct {
		assigned uint64
		shard    int
	}{
		{1, 1},
		{3, 3},
		{10, 0},
		{13, 3},
		{99, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.shard, r.ShardOf(tt.assigned), "assigned %d", tt.assigned)
	}
}

func TestRegistryInsertAndLookup(t *testing.T) {
	r := NewRegistry(10)
	c3, _ := newTestClient(t, 3, 300)
	c13, _ := newTestClient(t, 13, 1300)

	_, err := r.Insert(c3)
	require.NoError(t, err)
	_, err = r.Insert(c13)
	require.NoError(t, err)

	assigned, ok := r.Resolve(300)
	require.True(t, ok)
	assert.Equal(t, uint64(3), assigned)

	_, ok = r.Resolve(999)
	assert.False(t, ok)

	got, ok := r.Get(13)
	require.True(t, ok)
	assert.Same(t, c13, got)

	got, ok = r.Lookup(1300)
	require.True(t, ok)
	assert.Same(t, c13, got)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.ShardLen(3))
	assert.Equal(t, 0, r.ShardLen(4))
	assert.Equal(t, 0, r.ShardLen(42))
}

func TestRegistryInsertDuplicate(t *testing.T) {
	r := NewRegistry(4)
	first, _ := newTestClient(t, 1, 77)
	second, _ := newTestClient(t, 2, 77)

	_, err := r.Insert(first)
	require.NoError(t, err)

	existing, err := r.Insert(second)
	assert.ErrorIs(t, err, ErrClientExists)
	assert.Same(t, first, existing)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Get(2)
	assert.False(t, ok, "rejected insert leaves no trace")
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(4)
	c, _ := newTestClient(t, 5, 50)
	stale, _ := newTestClient(t, 6, 50)

	_, err := r.Insert(c)
	require.NoError(t, err)

	assert.False(t, r.Remove(stale), "a different client with the same provided id is not removed")
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(c))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.ShardLen(1))
	_, ok := r.Lookup(50)
	assert.False(t, ok)

	assert.False(t, r.Remove(c))
}

// Every client is visited by exactly one shard.
func TestRegistryShardPartition(t *testing.T) {
	const shards = 4
	r := NewRegistry(shards)
	for i := 0; i < 20; i++ {
		c, _ := newTestClient(t, r.NextID(), int64(1000+i))
		_, err := r.Insert(c)
		require.NoError(t, err)
	}

	visits := make(map[uint64]int)
	for s := 0; s < shards; s++ {
		r.RangeShard(s, func(c *Client) bool {
			assert.Equal(t, s, r.ShardOf(c.AssignedID()))
			visits[c.AssignedID()]++
			return true
		})
	}
	assert.Len(t, visits, 20)
	for id, n := range visits {
		assert.Equal(t, 1, n, "client %d", id)
	}

	r.RangeShard(-1, func(*Client) bool {
		t.Fatal("invalid shard must not be visited")
		return false
	})
}

func TestRegistrySnapshotAndCounts(t *testing.T) {
	r := NewRegistry(3)
	for _, id := range []uint64{5, 2, 9} {
		c, _ := newTestClient(t, id, int64(id*10))
		_, err := r.Insert(c)
		require.NoError(t, err)
	}
	c, _ := r.Get(2)
	msg, _ := tcpPair(t)
	require.NoError(t, c.Connect(msg, 0))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(2), snap[0].AssignedID)
	assert.Equal(t, uint64(5), snap[1].AssignedID)
	assert.Equal(t, uint64(9), snap[2].AssignedID)
	assert.Equal(t, 2, snap[0].Shard)
	assert.Equal(t, 0, snap[2].Shard)
	assert.Equal(t, "connected", snap[0].State)

	counts := r.CountByState()
	assert.Equal(t, 1, counts[StateConnected])
	assert.Equal(t, 2, counts[StateUnregistered])
	assert.Equal(t, 0, counts[StateDisconnected])
}
