package shard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/metrics"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

// DefaultIdleTick is how often an idle worker wakes up to evict and poll.
const DefaultIdleTick = 50 * time.Millisecond

// Log is the message log as the pool uses it: the storage operations plus a
// hook that sees every appended entry in log order.
type Log interface {
	storage.Log
	Subscribe(fn func(storage.Entry))
}

// Config configures a Pool.
type Config struct {
	Handler  HandlerConfig
	IdleTick time.Duration
}

// Pool runs one Worker per registry shard and routes work to them. It
// implements coordinator.Dispatcher.
type Pool struct {
	log      Log
	registry *coordinator.Registry
	handler  *Handler
	metrics  metrics.Collector
	logger   zerolog.Logger
	workers  []*Worker
	wg       sync.WaitGroup
	idleTick time.Duration
}

var _ coordinator.Dispatcher = (*Pool)(nil)

// NewPool creates a pool with registry.NumShards() workers and subscribes it
// to log so every appended entry reaches every worker.
func NewPool(cfg Config, log Log, registry *coordinator.Registry, m metrics.Collector, logger zerolog.Logger) *Pool {
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = DefaultIdleTick
	}
	if m == nil {
		m = metrics.NewNop()
	}
	p := &Pool{
		log:      log,
		registry: registry,
		metrics:  m,
		logger:   logger,
		idleTick: cfg.IdleTick,
	}
	p.handler = NewHandler(cfg.Handler, log, registry, m, logger)
	p.workers = make([]*Worker, registry.NumShards())
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}
	log.Subscribe(p.fanOut)
	return p
}

// fanOut runs under the log's append lock; it only queues.
func (p *Pool) fanOut(e storage.Entry) {
	for _, w := range p.workers {
		w.enqueue(event{kind: eventDeliver, entry: e})
	}
}

// Start launches the workers and a gauge reporter. They stop when ctx is
// cancelled; Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.report(ctx)
	}()
	p.logger.Info().Int("workers", len(p.workers)).Dur("idle_tick", p.idleTick).Msg("worker pool started")
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close releases every client's connections. Call only after Wait.
func (p *Pool) Close() {
	p.registry.Range(func(c *coordinator.Client) bool {
		c.Close()
		return true
	})
}

func (p *Pool) report(ctx context.Context) {
	ticker := time.NewTicker(p.idleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.metrics.SetLogEntries(p.log.Len())
			for state, n := range p.registry.CountByState() {
				p.metrics.SetClients(state.String(), n)
			}
		}
	}
}

// Wake signals the worker that owns shard.
func (p *Pool) Wake(shard int) {
	if shard >= 0 && shard < len(p.workers) {
		p.workers[shard].Wake()
	}
}

// Attach routes a new command connection for c to c's owning worker.
func (p *Pool) Attach(c *coordinator.Client, conn *protocol.Conn) {
	p.workers[p.registry.ShardOf(c.AssignedID())].enqueue(event{kind: eventAttach, client: c, conn: conn})
}

// Workers returns every worker's heartbeat, ordered by id.
func (p *Pool) Workers() []coordinator.WorkerInfo {
	out := make([]coordinator.WorkerInfo, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Info()
	}
	return out
}

// Worker returns the worker for shard, or nil.
func (p *Pool) Worker(shard int) *Worker {
	if shard < 0 || shard >= len(p.workers) {
		return nil
	}
	return p.workers[shard]
}

// Handler returns the command handler shared by the workers.
func (p *Pool) Handler() *Handler {
	return p.handler
}
