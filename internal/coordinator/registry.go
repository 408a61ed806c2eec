package coordinator

import (
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/exp/slices"
)

// ErrClientExists is returned by Insert when the provided id is already known.
var ErrClientExists = errors.New("client already registered")

// Registry is the process-wide index of clients, keyed both by the id the
// participant supplied and by the id the coordinator assigned. It also keeps a
// per-shard view so each worker can walk only the clients it owns.
//
// Sharding:
//
//	assignedID ──► assignedID mod numShards ──► worker
//	   1                1                       worker 1
//	   3, 13            3                       worker 3 (numShards=10)
//
// All maps are lock-free xsync maps; entries are never copied, so callers
// receive the live *Client. Only the owning worker may mutate a client.
//
// Concurrency Model:
//   - Insert and Remove are atomic per provided id
//   - NextID is a monotonic atomic counter starting at 1
//   - Range and RangeShard observe a weakly consistent view
type Registry struct {
	byProvided *xsync.Map[int64, *Client]
	byAssigned *xsync.Map[uint64, *Client]
	shards     []*xsync.Map[uint64, *Client]
	nextID     atomic.Uint64
	numShards  int
}

// NewRegistry creates an empty registry for numShards workers.
// numShards below 1 is treated as 1.
func NewRegistry(numShards int) *Registry {
	if numShards < 1 {
		numShards = 1
	}
	r := &Registry{
		byProvided: xsync.NewMap[int64, *Client](),
		byAssigned: xsync.NewMap[uint64, *Client](),
		shards:     make([]*xsync.Map[uint64, *Client], numShards),
		numShards:  numShards,
	}
	for i := range r.shards {
		r.shards[i] = xsync.NewMap[uint64, *Client]()
	}
	return r
}

// NextID returns a fresh assigned id. Ids start at 1 and are never reused.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// NumShards returns the number of shards.
func (r *Registry) NumShards() int { return r.numShards }

// ShardOf returns the shard owning assignedID.
func (r *Registry) ShardOf(assignedID uint64) int {
	return int(assignedID % uint64(r.numShards))
}

// Resolve returns the assigned id recorded for a provided id.
func (r *Registry) Resolve(providedID int64) (uint64, bool) {
	c, ok := r.byProvided.Load(providedID)
	if !ok {
		return 0, false
	}
	return c.AssignedID(), true
}

// Get returns the client with the given assigned id.
func (r *Registry) Get(assignedID uint64) (*Client, bool) {
	return r.byAssigned.Load(assignedID)
}

// Lookup returns the client with the given provided id.
func (r *Registry) Lookup(providedID int64) (*Client, bool) {
	return r.byProvided.Load(providedID)
}

// Insert adds c under both of its ids. If the provided id is already present
// the existing client is returned together with ErrClientExists.
func (r *Registry) Insert(c *Client) (*Client, error) {
	actual, loaded := r.byProvided.LoadOrStore(c.ProvidedID(), c)
	if loaded {
		return actual, ErrClientExists
	}
	r.byAssigned.Store(c.AssignedID(), c)
	r.shards[r.ShardOf(c.AssignedID())].Store(c.AssignedID(), c)
	return c, nil
}

// Remove drops c from every index. It only removes the provided-id entry if
// it still refers to c, so a stale handle never evicts a newer client.
func (r *Registry) Remove(c *Client) bool {
	removed := false
	r.byProvided.Compute(c.ProvidedID(), func(old *Client, loaded bool) (*Client, xsync.ComputeOp) {
		if !loaded || old != c {
			return old, xsync.CancelOp
		}
		removed = true
		return nil, xsync.DeleteOp
	})
	if !removed {
		return false
	}
	r.byAssigned.Delete(c.AssignedID())
	r.shards[r.ShardOf(c.AssignedID())].Delete(c.AssignedID())
	return true
}

// RangeShard calls f for every client owned by shard until f returns false.
func (r *Registry) RangeShard(shard int, f func(c *Client) bool) {
	if shard < 0 || shard >= r.numShards {
		return
	}
	r.shards[shard].Range(func(_ uint64, c *Client) bool {
		return f(c)
	})
}

// ShardLen returns how many clients a shard owns.
func (r *Registry) ShardLen(shard int) int {
	if shard < 0 || shard >= r.numShards {
		return 0
	}
	return r.shards[shard].Size()
}

// Range calls f for every client until f returns false.
func (r *Registry) Range(f func(c *Client) bool) {
	r.byAssigned.Range(func(_ uint64, c *Client) bool {
		return f(c)
	})
}

// Len returns the number of known clients.
func (r *Registry) Len() int {
	return r.byAssigned.Size()
}

// CountByState returns the number of clients in every state. States with no
// clients are reported as zero.
func (r *Registry) CountByState() map[ConnState]int {
	counts := make(map[ConnState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	r.Range(func(c *Client) bool {
		counts[c.State()]++
		return true
	})
	return counts
}

// Info returns the reporting view of one client, including its shard.
func (r *Registry) Info(c *Client) ClientInfo {
	info := c.Info()
	info.Shard = r.ShardOf(c.AssignedID())
	return info
}

// Snapshot returns every client's info ordered by assigned id.
func (r *Registry) Snapshot() []ClientInfo {
	out := make([]ClientInfo, 0, r.Len())
	r.Range(func(c *Client) bool {
		out = append(out, r.Info(c))
		return true
	})
	slices.SortFunc(out, func(a, b ClientInfo) int {
		switch {
		case a.AssignedID < b.AssignedID:
			return -1
		case a.AssignedID > b.AssignedID:
			return 1
		default:
			return 0
		}
	})
	return out
}
