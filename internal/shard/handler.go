package shard

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/metrics"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

var (
	// ErrPrecondition is returned when a command is not valid in the client's
	// current state, or names a different client.
	ErrPrecondition = errors.New("command precondition not met")

	// ErrBind is returned when the message-channel port cannot be opened.
	ErrBind = errors.New("cannot open message channel port")

	// ErrHandshake is returned when the participant does not connect to the
	// message-channel port in time.
	ErrHandshake = errors.New("message channel handshake failed")
)

// HandlerConfig controls command handling.
type HandlerConfig struct {
	// Host is the interface message-channel ports are opened on. Empty means
	// every interface.
	Host string

	// HandshakeTimeout bounds the wait for a participant to connect to its
	// message-channel port. A worker is blocked for at most this long.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds every message-channel write.
	WriteTimeout time.Duration

	// ErrorAcks answers failed commands with "ERR <reason>" instead of "OK".
	ErrorAcks bool

	// RemoveOnDeregister drops the client from the registry and closes its
	// command channel after a deregister is acknowledged.
	RemoveOnDeregister bool
}

// DefaultHandshakeTimeout is used when HandlerConfig.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// Handler executes lifecycle and multicast commands for one client at a
// time. It is called only from the worker that owns the client, so it may
// mutate the client freely.
type Handler struct {
	log      storage.Log
	registry *coordinator.Registry
	metrics  metrics.Collector
	listen   func(network, address string) (net.Listener, error)
	logger   zerolog.Logger
	cfg      HandlerConfig
}

// NewHandler creates a command handler.
func NewHandler(cfg HandlerConfig, log storage.Log, registry *coordinator.Registry, m metrics.Collector, logger zerolog.Logger) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		listen:   net.Listen,
		logger:   logger,
	}
}

// Handle parses line, applies it to c and writes the acknowledgement tokens.
// The returned error describes what went wrong for logging; the participant
// has already been answered.
func (h *Handler) Handle(c *coordinator.Client, line string) error {
	cmd, err := protocol.ParseCommand(line)
	if errors.Is(err, protocol.ErrUnknownVerb) {
		h.metrics.CommandProcessed("unknown", metrics.OutcomeIgnored)
		h.logger.Debug().Str("verb", string(cmd.Verb)).Uint64("assigned_id", c.AssignedID()).Msg("ignoring unknown command")
		return c.Ack(protocol.AckOK)
	}
	if err == nil && cmd.HasClientID && cmd.ClientID != c.ProvidedID() {
		err = fmt.Errorf("%w: command names client %d", ErrPrecondition, cmd.ClientID)
	}
	if err != nil {
		h.metrics.CommandProcessed(string(cmd.Verb), metrics.OutcomeRejected)
		if cmd.Verb == protocol.VerbRegister || cmd.Verb == protocol.VerbReconnect {
			return errors.Join(err, h.refuseHandshake(c, err))
		}
		return errors.Join(err, c.Ack(h.token(err)))
	}

	switch cmd.Verb {
	case protocol.VerbRegister:
		err = h.register(c, cmd)
	case protocol.VerbReconnect:
		err = h.reconnect(c, cmd)
	case protocol.VerbDeregister:
		err = h.deregister(c)
	case protocol.VerbDisconnect:
		err = h.disconnect(c)
	case protocol.VerbSend:
		err = h.multicast(c, cmd.Text)
	}
	h.metrics.CommandProcessed(string(cmd.Verb), outcome(err))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrPrecondition), errors.Is(err, protocol.ErrMalformedCommand):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

// token returns the acknowledgement for an operation result.
func (h *Handler) token(err error) string {
	if err == nil || !h.cfg.ErrorAcks {
		return protocol.AckOK
	}
	return protocol.Nack(err.Error())
}

// refuseHandshake answers a register or reconnect that failed before the
// ready token was sent. Wire-compatible mode still sends both tokens.
func (h *Handler) refuseHandshake(c *coordinator.Client, cause error) error {
	if h.cfg.ErrorAcks {
		return c.Ack(h.token(cause))
	}
	if err := c.Ack(protocol.AckOK); err != nil {
		return err
	}
	return c.Ack(protocol.AckOK)
}

// openMessageChannel listens on the requested port, sends the ready token and
// waits for the participant to connect. ready reports whether the ready token
// went out.
func (h *Handler) openMessageChannel(c *coordinator.Client, verb protocol.Verb, port int) (conn *protocol.Conn, ready bool, err error) {
	start := time.Now()
	defer func() {
		h.metrics.MessageChannelHandshake(string(verb), time.Since(start), err == nil)
	}()

	ln, err := h.listen("tcp", net.JoinHostPort(h.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBind, err)
	}
	defer ln.Close()

	if err := c.Ack(protocol.AckOK); err != nil {
		return nil, false, err
	}

	if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		if err := dl.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}
	raw, err := ln.Accept()
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	conn = protocol.NewConn(raw)
	conn.SetWriteTimeout(h.cfg.WriteTimeout)
	return conn, true, nil
}

// handshake opens the message channel for register and reconnect and deals
// with the acknowledgement on failure. A nil conn means the command is done.
func (h *Handler) handshake(c *coordinator.Client, cmd protocol.Command) (*protocol.Conn, error) {
	conn, ready, err := h.openMessageChannel(c, cmd.Verb, cmd.Port)
	if err == nil {
		return conn, nil
	}
	if !ready {
		return nil, errors.Join(err, h.refuseHandshake(c, err))
	}
	return nil, errors.Join(err, c.Ack(h.token(err)))
}

func (h *Handler) register(c *coordinator.Client, cmd protocol.Command) error {
	if c.HasMessageChannel() {
		err := fmt.Errorf("%w: already registered", ErrPrecondition)
		return errors.Join(err, h.refuseHandshake(c, err))
	}

	msg, err := h.handshake(c, cmd)
	if msg == nil {
		return err
	}
	if err := c.Connect(msg, h.log.Stamp()); err != nil {
		_ = msg.Close()
		err = fmt.Errorf("%w: %v", ErrPrecondition, err)
		return errors.Join(err, c.Ack(h.token(err)))
	}

	h.logger.Info().
		Uint64("assigned_id", c.AssignedID()).
		Int64("provided_id", c.ProvidedID()).
		Int("port", cmd.Port).
		Msg("client registered")
	return c.Ack(protocol.AckOK)
}

func (h *Handler) reconnect(c *coordinator.Client, cmd protocol.Command) error {
	if c.State() != coordinator.StateDisconnected {
		err := fmt.Errorf("%w: reconnect requires a disconnected client, state is %s", ErrPrecondition, c.State())
		return errors.Join(err, h.refuseHandshake(c, err))
	}

	msg, err := h.handshake(c, cmd)
	if msg == nil {
		return err
	}
	if err := c.Connect(msg, c.LastDelivered()); err != nil {
		_ = msg.Close()
		err = fmt.Errorf("%w: %v", ErrPrecondition, err)
		return errors.Join(err, c.Ack(h.token(err)))
	}

	replayed, err := h.replay(c)
	h.logger.Info().
		Uint64("assigned_id", c.AssignedID()).
		Int64("provided_id", c.ProvidedID()).
		Int("port", cmd.Port).
		Int("replayed", replayed).
		Msg("client reconnected")
	if err != nil {
		return errors.Join(err, c.Ack(h.token(err)))
	}
	return c.Ack(protocol.AckOK)
}

// replay writes every retained entry newer than the client's watermark, in
// log order. On a write failure the client goes back to Disconnected with
// the watermark at the last successful write.
func (h *Handler) replay(c *coordinator.Client) (int, error) {
	n := 0
	for _, e := range h.log.Since(c.LastDelivered()) {
		ok, err := c.Deliver(e)
		if err != nil {
			h.metrics.DeliveryFailed(metrics.PathReplay)
			_ = c.Disconnect()
			return n, fmt.Errorf("replay: %w", err)
		}
		if ok {
			n++
			h.metrics.MessageDelivered(metrics.PathReplay)
		}
	}
	return n, nil
}

func (h *Handler) deregister(c *coordinator.Client) error {
	was := c.State()
	if err := c.Unregister(); err != nil {
		h.logger.Debug().Err(err).Uint64("assigned_id", c.AssignedID()).Msg("closing message channel")
	}
	if was != coordinator.StateUnregistered {
		h.logger.Info().Uint64("assigned_id", c.AssignedID()).Int64("provided_id", c.ProvidedID()).Msg("client deregistered")
	}
	if err := c.Ack(protocol.AckOK); err != nil {
		return err
	}
	if h.cfg.RemoveOnDeregister {
		h.registry.Remove(c)
		c.CloseCommandChannel()
	}
	return nil
}

func (h *Handler) disconnect(c *coordinator.Client) error {
	if c.State() != coordinator.StateConnected {
		err := fmt.Errorf("%w: disconnect requires a connected client, state is %s", ErrPrecondition, c.State())
		return errors.Join(err, c.Ack(h.token(err)))
	}
	if err := c.Disconnect(); err != nil {
		h.logger.Debug().Err(err).Uint64("assigned_id", c.AssignedID()).Msg("closing message channel")
	}
	h.logger.Info().Uint64("assigned_id", c.AssignedID()).Int64("provided_id", c.ProvidedID()).Msg("client disconnected")
	return c.Ack(protocol.AckOK)
}

func (h *Handler) multicast(c *coordinator.Client, text string) error {
	if c.State() != coordinator.StateConnected {
		err := fmt.Errorf("%w: msend requires a connected client, state is %s", ErrPrecondition, c.State())
		return errors.Join(err, c.Ack(h.token(err)))
	}
	e := h.log.Append(text)
	h.metrics.MessageAppended(len(text))
	h.logger.Debug().Uint64("assigned_id", c.AssignedID()).Uint64("seq", e.Seq).Int64("timestamp", e.Timestamp).Msg("message appended")
	return c.Ack(protocol.AckOK)
}
