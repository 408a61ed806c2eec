package coordinator

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dreamware/castor/internal/metrics"
	"github.com/dreamware/castor/internal/protocol"
)

// Dispatcher routes work to the worker that owns a shard. The worker pool
// implements it.
type Dispatcher interface {
	// Wake signals the worker owning shard that it has work.
	Wake(shard int)
	// Attach hands a new command connection for an existing client to the
	// client's owning worker.
	Attach(c *Client, conn *protocol.Conn)
}

const (
	// DefaultHandshakeTimeout bounds how long the acceptor waits for the
	// 8-byte client id on a fresh connection.
	DefaultHandshakeTimeout = 10 * time.Second

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Acceptor accepts command connections, reads the participant's id and
// either creates a new Client or routes the connection to the existing one.
type Acceptor struct {
	listener         net.Listener
	registry         *Registry
	dispatcher       Dispatcher
	limiter          *rate.Limiter
	metrics          metrics.Collector
	logger           zerolog.Logger
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	accepted         atomic.Uint64
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithLogger sets the acceptor's logger.
func WithLogger(logger zerolog.Logger) AcceptorOption {
	return func(a *Acceptor) { a.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) AcceptorOption {
	return func(a *Acceptor) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithHandshakeTimeout bounds the wait for the client id.
func WithHandshakeTimeout(d time.Duration) AcceptorOption {
	return func(a *Acceptor) {
		if d > 0 {
			a.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds every write on accepted command channels.
func WithWriteTimeout(d time.Duration) AcceptorOption {
	return func(a *Acceptor) { a.writeTimeout = d }
}

// WithRateLimit throttles handshakes to r per second with the given burst.
// A non-positive r disables throttling.
func WithRateLimit(r float64, burst int) AcceptorOption {
	return func(a *Acceptor) {
		if r <= 0 {
			a.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewAcceptor creates an acceptor serving ln.
func NewAcceptor(ln net.Listener, registry *Registry, dispatcher Dispatcher, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		listener:         ln,
		registry:         registry,
		dispatcher:       dispatcher,
		metrics:          metrics.NewNop(),
		logger:           zerolog.Nop(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Addr returns the listener address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Accepted returns how many connections completed the id handshake.
func (a *Acceptor) Accepted() uint64 {
	return a.accepted.Load()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Accept errors such as EMFILE or ECONNABORTED are retried with
// backoff. It closes the listener on return and always returns nil.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = a.listener.Close() })
	defer stop()
	defer a.listener.Close()

	a.logger.Info().Str("addr", a.listener.Addr().String()).Msg("accepting connections")

	var backoff time.Duration
	for {
		raw, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			a.logger.Warn().Err(err).Dur("backoff", backoff).Msg("accept failed, retrying")
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				_ = raw.Close()
				return nil
			}
		}
		a.handshake(raw)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

func (a *Acceptor) handshake(raw net.Conn) {
	conn := protocol.NewConn(raw)
	conn.SetWriteTimeout(a.writeTimeout)

	_ = conn.SetReadDeadline(time.Now().Add(a.handshakeTimeout))
	providedID, err := conn.ReadClientID()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		a.metrics.HandshakeFailed()
		a.logger.Debug().Err(err).Stringer("remote", raw.RemoteAddr()).Msg("dropping connection before client id")
		_ = conn.Close()
		return
	}
	a.accepted.Add(1)

	if existing, ok := a.registry.Lookup(providedID); ok {
		a.metrics.ConnectionAccepted(true)
		a.logger.Info().
			Int64("provided_id", providedID).
			Uint64("assigned_id", existing.AssignedID()).
			Msg("known client reconnected command channel")
		a.dispatcher.Attach(existing, conn)
		return
	}

	assigned := a.registry.NextID()
	shard := a.registry.ShardOf(assigned)
	c := NewClient(assigned, providedID, conn, func() { a.dispatcher.Wake(shard) })
	if _, err := a.registry.Insert(c); err != nil {
		// Only reachable if ids are inserted outside the acceptor.
		a.logger.Error().Err(err).Int64("provided_id", providedID).Msg("client insert failed")
		c.CloseCommandChannel()
		return
	}
	a.metrics.ConnectionAccepted(false)
	a.logger.Info().
		Int64("provided_id", providedID).
		Uint64("assigned_id", assigned).
		Int("shard", shard).
		Str("session", c.Session().String()).
		Msg("client accepted")
	a.dispatcher.Wake(shard)
}
