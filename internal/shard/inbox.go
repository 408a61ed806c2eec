package shard

import (
	"sync"

	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

type eventKind int

const (
	eventDeliver eventKind = iota
	eventAttach
)

// event is a unit of work handed to a worker by another goroutine.
type event struct {
	client *coordinator.Client
	conn   *protocol.Conn
	entry  storage.Entry
	kind   eventKind
}

// inbox is an unbounded FIFO of events for one worker. Producers never block,
// so the log's append path can fan out to every shard while holding its lock.
type inbox struct {
	events []event
	mu     sync.Mutex
}

func (q *inbox) push(e event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

// drain removes and returns every queued event in arrival order.
func (q *inbox) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
