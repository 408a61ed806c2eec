// Package service assembles a running coordinator from its configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/config"
	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/logging"
	"github.com/dreamware/castor/internal/metrics"
	"github.com/dreamware/castor/internal/shard"
	"github.com/dreamware/castor/internal/storage"
)

// Service is a coordinator: the command listener, the worker pool, the
// health monitor and the optional admin HTTP server.
type Service struct {
	cfg      config.Config
	logger   zerolog.Logger
	promReg  *prometheus.Registry
	metrics  *metrics.PrometheusCollector
	log      *storage.MemoryLog
	registry *coordinator.Registry
	pool     *shard.Pool
	monitor  *coordinator.HealthMonitor
	acceptor *coordinator.Acceptor
	admin    *http.Server
	adminLn  net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// New builds a service from a validated configuration. Nothing listens until
// Start.
func New(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheus(promReg, "")

	msgLog := storage.NewMemoryLog(cfg.Retention())
	registry := coordinator.NewRegistry(cfg.Workers)
	pool := shard.NewPool(shard.Config{
		Handler: shard.HandlerConfig{
			Host:               cfg.Host,
			HandshakeTimeout:   cfg.HandshakeTimeout,
			WriteTimeout:       cfg.WriteTimeout,
			ErrorAcks:          cfg.ErrorAcks,
			RemoveOnDeregister: cfg.RemoveOnDeregister(),
		},
		IdleTick: cfg.IdleTick,
	}, msgLog, registry, m, logging.Component(logger, "pool"))

	monitor := coordinator.NewHealthMonitor(cfg.MonitorInterval, cfg.StallThreshold, logging.Component(logger, "health"))
	monitor.SetOnStalled(m.WorkerStalled)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		promReg:  promReg,
		metrics:  m,
		log:      msgLog,
		registry: registry,
		pool:     pool,
		monitor:  monitor,
	}, nil
}

// Start binds the command port (and the admin address when configured) and
// launches every component. A bind failure is returned and nothing is left
// running.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return errors.New("service already started")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	if s.cfg.Admin.Addr != "" {
		s.adminLn, err = net.Listen("tcp", s.cfg.Admin.Addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen on %s: %w", s.cfg.Admin.Addr, err)
		}
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.acceptor = coordinator.NewAcceptor(ln, s.registry, s.pool,
		coordinator.WithLogger(logging.Component(s.logger, "acceptor")),
		coordinator.WithMetrics(s.metrics),
		coordinator.WithHandshakeTimeout(s.cfg.HandshakeTimeout),
		coordinator.WithWriteTimeout(s.cfg.WriteTimeout),
		coordinator.WithRateLimit(s.cfg.AcceptRate, s.cfg.AcceptBurst),
	)

	s.pool.Start(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.acceptor.Serve(ctx); err != nil {
			s.logger.Error().Err(err).Msg("acceptor stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.monitor.Start(ctx, s.pool.Workers)
	}()

	if s.adminLn != nil {
		s.admin = &http.Server{
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("admin", s.cfg.Admin.Addr).
		Int("workers", s.cfg.Workers).
		Dur("retention", s.cfg.Retention()).
		Str("deregister_mode", s.cfg.DeregisterMode).
		Bool("error_acks", s.cfg.ErrorAcks).
		Msg("coordinator started")
	return nil
}

// Addr returns the command listener address, or nil before Start.
func (s *Service) Addr() net.Addr {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// AdminAddr returns the admin listener address, or nil when disabled.
func (s *Service) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Shutdown stops accepting, stops the workers and closes every client
// connection. ctx bounds the admin server's graceful shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.started = false

	var err error
	if s.admin != nil {
		err = s.admin.Shutdown(ctx)
	}
	s.cancel()
	s.monitor.Stop()
	s.wg.Wait()
	s.pool.Wait()
	s.pool.Close()
	s.logger.Info().Msg("coordinator stopped")
	return err
}

// Registry returns the client registry.
func (s *Service) Registry() *coordinator.Registry { return s.registry }

// Log returns the message log.
func (s *Service) Log() storage.Log { return s.log }

// Pool returns the worker pool.
func (s *Service) Pool() *shard.Pool { return s.pool }
