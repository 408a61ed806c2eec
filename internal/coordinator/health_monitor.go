package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker health statuses.
const (
	StatusUnknown = "unknown"
	StatusHealthy = "healthy"
	StatusStalled = "stalled"
)

// DefaultStallThreshold is how old a worker heartbeat may get before a check
// counts as failed.
const DefaultStallThreshold = 30 * time.Second

// WorkerInfo is the heartbeat a worker publishes for the monitor.
type WorkerInfo struct {
	LastCycle time.Time `json:"last_cycle"`
	Activity  string    `json:"activity"`
	ID        int       `json:"id"`
	Clients   int       `json:"clients"`
	Cycles    uint64    `json:"cycles"`
}

// WorkerHealth tracks the health status of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last check
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last passing check
	Status           string    `json:"status"`       // "healthy", "stalled", "unknown"
	Activity         string    `json:"activity"`     // What the worker was doing at the last check
	WorkerID         int       `json:"worker_id"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically checks every worker's heartbeat. A worker whose
// last completed cycle is older than the stall threshold fails the check;
// after maxFailures consecutive failures it is marked stalled and the
// onStalled callback fires once. A worker blocked in a message-channel
// handshake shows up here until the handshake times out.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[int]*WorkerHealth
	checkFunc   func(info WorkerInfo) error
	onStalled   func(workerID int)
	ctx         context.Context
	cancel      context.CancelFunc
	logger      zerolog.Logger
	interval    time.Duration
	threshold   time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval and treats
// heartbeats older than threshold as failures. Workers are marked stalled
// after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 30*time.Second, logger)
//	go monitor.Start(ctx, pool.Workers)
func NewHealthMonitor(interval, threshold time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &HealthMonitor{
		interval:    interval,
		threshold:   threshold,
		maxFailures: 3,
		workers:     make(map[int]*WorkerHealth),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnStalled sets the callback invoked when a worker becomes stalled.
func (h *HealthMonitor) SetOnStalled(callback func(workerID int)) {
	h.onStalled = callback
}

// Start runs checks until ctx or the monitor is cancelled. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []WorkerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.heartbeatCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Dur("threshold", h.threshold).Msg("health monitor started")

	h.checkAll(provider())
	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			h.logger.Debug().Msg("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.logger.Debug().Msg("health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(workers []WorkerInfo) {
	for _, w := range workers {
		h.checkWorker(w)
	}
}

func (h *HealthMonitor) checkWorker(info WorkerInfo) {
	h.mu.Lock()
	health, exists := h.workers[info.ID]
	if !exists {
		health = &WorkerHealth{
			WorkerID:    info.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.workers[info.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(info)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	health.Activity = info.Activity

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn().Err(err).
			Int("worker", info.ID).
			Int("attempt", health.ConsecutiveFails).
			Str("activity", info.Activity).
			Msg("worker heartbeat check failed")

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = StatusStalled
			if previous != StatusStalled {
				h.logger.Error().Int("worker", info.ID).Int("failures", health.ConsecutiveFails).Msg("worker marked stalled")
				if h.onStalled != nil {
					go h.onStalled(info.ID)
				}
			}
		}
		return
	}

	if health.Status == StatusStalled {
		h.logger.Info().Int("worker", info.ID).Msg("worker recovered")
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) heartbeatCheck(info WorkerInfo) error {
	if info.LastCycle.IsZero() {
		return fmt.Errorf("worker %d has not completed a cycle", info.ID)
	}
	if age := time.Since(info.LastCycle); age > h.threshold {
		return fmt.Errorf("worker %d heartbeat is %s old", info.ID, age.Truncate(time.Millisecond))
	}
	return nil
}

// GetWorkerHealth returns a copy of one worker's health, or nil if the worker
// has not been checked yet.
func (h *HealthMonitor) GetWorkerHealth(workerID int) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[workerID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllWorkerHealth returns copies of every tracked worker's health.
func (h *HealthMonitor) GetAllWorkerHealth() map[int]*WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[int]*WorkerHealth, len(h.workers))
	for id, health := range h.workers {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether a worker passed its most recent check.
func (h *HealthMonitor) IsHealthy(workerID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[workerID]
	return exists && health.Status == StatusHealthy
}

// SetCheckFunction overrides the heartbeat check. Must be called before Start.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(info WorkerInfo) error) {
	h.checkFunc = checkFunc
}
