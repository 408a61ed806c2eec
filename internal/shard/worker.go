package shard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/metrics"
	"github.com/dreamware/castor/internal/protocol"
)

// Worker activities reported through Info.
const (
	ActivityStarting = "starting"
	ActivityIdle     = "idle"
	ActivityCycle    = "cycle"
)

// WorkerStats counts what a worker has done. Fields are updated atomically.
type WorkerStats struct {
	Commands   uint64 `json:"commands"`
	Delivered  uint64 `json:"delivered"`
	Failures   uint64 `json:"failures"`
	Reattached uint64 `json:"reattached"`
	Panics     uint64 `json:"panics"`
	Expired    uint64 `json:"expired"` // live entries dropped as older than retention
}

// Worker owns one shard: every client whose assigned id maps to it. It is
// the only goroutine that mutates those clients.
type Worker struct {
	activity  atomic.Pointer[string]
	pool      *Pool
	wake      chan struct{}
	logger    zerolog.Logger
	inbox     inbox
	stats     WorkerStats
	lastCycle atomic.Int64
	cycles    atomic.Uint64
	id        int
}

func newWorker(id int, pool *Pool) *Worker {
	w := &Worker{
		id:     id,
		pool:   pool,
		wake:   make(chan struct{}, 1),
		logger: pool.logger.With().Int("worker", id).Logger(),
	}
	w.setActivity(ActivityStarting)
	return w
}

// ID returns the shard index.
func (w *Worker) ID() int { return w.id }

// Wake schedules a cycle. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) enqueue(e event) {
	w.inbox.push(e)
	w.Wake()
}

func (w *Worker) setActivity(s string) {
	w.activity.Store(&s)
}

// Info returns the worker's heartbeat.
func (w *Worker) Info() coordinator.WorkerInfo {
	info := coordinator.WorkerInfo{
		ID:       w.id,
		Activity: *w.activity.Load(),
		Clients:  w.pool.registry.ShardLen(w.id),
		Cycles:   w.cycles.Load(),
	}
	if ns := w.lastCycle.Load(); ns > 0 {
		info.LastCycle = time.Unix(0, ns)
	}
	return info
}

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Commands:   atomic.LoadUint64(&w.stats.Commands),
		Delivered:  atomic.LoadUint64(&w.stats.Delivered),
		Failures:   atomic.LoadUint64(&w.stats.Failures),
		Reattached: atomic.LoadUint64(&w.stats.Reattached),
		Panics:     atomic.LoadUint64(&w.stats.Panics),
		Expired:    atomic.LoadUint64(&w.stats.Expired),
	}
}

// run loops until ctx is cancelled. Busy cycles are followed immediately by
// another; an idle worker parks until woken or the idle tick fires.
func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pool.idleTick)
	defer ticker.Stop()

	w.logger.Debug().Msg("worker started")
	for {
		busy := w.cycle()
		if ctx.Err() != nil {
			w.logger.Debug().Msg("worker stopped")
			return
		}
		if busy {
			continue
		}
		w.setActivity(ActivityIdle)
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("worker stopped")
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// cycle runs one pass over the shard and reports whether it did any work.
func (w *Worker) cycle() bool {
	w.lastCycle.Store(time.Now().UnixNano())
	w.cycles.Add(1)
	w.setActivity(ActivityCycle)

	if n := w.pool.log.Evict(); n > 0 {
		w.pool.metrics.MessagesEvicted(n)
	}

	busy := false
	for _, ev := range w.inbox.drain() {
		busy = true
		w.apply(ev)
	}

	w.pool.registry.RangeShard(w.id, func(c *coordinator.Client) bool {
		if w.poll(c) {
			busy = true
		}
		return true
	})
	return busy
}

func (w *Worker) apply(ev event) {
	switch ev.kind {
	case eventDeliver:
		if !w.pool.log.Retained(ev.entry) {
			atomic.AddUint64(&w.stats.Expired, 1)
			return
		}
		w.pool.registry.RangeShard(w.id, func(c *coordinator.Client) bool {
			w.deliver(c, ev)
			return true
		})
	case eventAttach:
		w.attach(ev.client, ev.conn)
	}
}

func (w *Worker) deliver(c *coordinator.Client, ev event) {
	defer w.recover(c)

	ok, err := c.Deliver(ev.entry)
	if err != nil {
		atomic.AddUint64(&w.stats.Failures, 1)
		w.pool.metrics.DeliveryFailed(metrics.PathLive)
		_ = c.Disconnect()
		w.logger.Warn().Err(err).
			Uint64("assigned_id", c.AssignedID()).
			Int64("provided_id", c.ProvidedID()).
			Int64("last_delivered", c.LastDelivered()).
			Msg("message channel write failed, client disconnected")
		return
	}
	if ok {
		atomic.AddUint64(&w.stats.Delivered, 1)
		w.pool.metrics.MessageDelivered(metrics.PathLive)
	}
}

// attach installs a new command channel for a known client. A client that
// was Connected is moved to Disconnected so the participant can reconnect
// and catch up.
func (w *Worker) attach(c *coordinator.Client, conn *protocol.Conn) {
	if current, ok := w.pool.registry.Get(c.AssignedID()); !ok || current != c {
		w.logger.Debug().Uint64("assigned_id", c.AssignedID()).Msg("dropping command channel for removed client")
		_ = conn.Close()
		return
	}
	c.ReplaceCommandChannel(conn)
	if c.State() == coordinator.StateConnected {
		_ = c.Disconnect()
	}
	atomic.AddUint64(&w.stats.Reattached, 1)
	w.logger.Info().
		Uint64("assigned_id", c.AssignedID()).
		Int64("provided_id", c.ProvidedID()).
		Str("session", c.Session().String()).
		Str("state", c.State().String()).
		Msg("command channel reattached")
}

// poll serves at most one pending command without blocking.
func (w *Worker) poll(c *coordinator.Client) bool {
	select {
	case f := <-c.Commands():
		w.serve(c, f)
		return true
	default:
		return false
	}
}

func (w *Worker) serve(c *coordinator.Client, f coordinator.Frame) {
	defer w.recover(c)

	if f.Err != nil {
		w.commandChannelLost(c, f.Err)
		return
	}

	atomic.AddUint64(&w.stats.Commands, 1)
	w.setActivity(fmt.Sprintf("command %.32s", f.Text))
	w.logger.Debug().Uint64("assigned_id", c.AssignedID()).Str("command", f.Text).Msg("command received")

	if err := w.pool.handler.Handle(c, f.Text); err != nil {
		atomic.AddUint64(&w.stats.Failures, 1)
		w.logger.Warn().Err(err).
			Uint64("assigned_id", c.AssignedID()).
			Int64("provided_id", c.ProvidedID()).
			Str("command", f.Text).
			Msg("command failed")
	}
}

func (w *Worker) commandChannelLost(c *coordinator.Client, cause error) {
	c.CloseCommandChannel()
	if c.State() == coordinator.StateConnected {
		_ = c.Disconnect()
	}
	w.logger.Info().Err(cause).
		Uint64("assigned_id", c.AssignedID()).
		Int64("provided_id", c.ProvidedID()).
		Str("state", c.State().String()).
		Msg("command channel closed")
}

func (w *Worker) recover(c *coordinator.Client) {
	if r := recover(); r != nil {
		atomic.AddUint64(&w.stats.Panics, 1)
		w.logger.Error().
			Interface("panic", r).
			Uint64("assigned_id", c.AssignedID()).
			Msg("recovered from panic while serving client")
	}
}
