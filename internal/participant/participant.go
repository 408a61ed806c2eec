// Package participant is a client for the castor coordinator. A Participant
// holds the command channel, opens the message channel on register and
// reconnect, and appends every delivered message to a local file.
package participant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/protocol"
)

var (
	ErrNotRegistered     = errors.New("participant is not registered")
	ErrAlreadyRegistered = errors.New("participant is already registered")
	ErrNotConnected      = errors.New("participant is not connected")
	ErrAlreadyConnected  = errors.New("participant is already connected")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrClosed            = errors.New("participant is closed")
)

// DefaultAckTimeout bounds the wait for each acknowledgement token.
const DefaultAckTimeout = 30 * time.Second

// Option configures a Participant.
type Option func(*Participant)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Participant) { p.logger = logger }
}

// WithAckTimeout sets how long to wait for each acknowledgement.
func WithAckTimeout(d time.Duration) Option {
	return func(p *Participant) { p.ackTimeout = d }
}

// WithOnMessage sets a callback run for every delivered message after it has
// been written to the message file.
func WithOnMessage(fn func(string)) Option {
	return func(p *Participant) { p.onMessage = fn }
}

// Participant is one connected participant. Methods are safe for concurrent
// use but commands are serialized.
type Participant struct {
	cmd         *protocol.Conn
	recv        *receiver
	onMessage   func(string)
	logger      zerolog.Logger
	host        string
	messageFile string
	id          int64
	ackTimeout  time.Duration
	mu          sync.Mutex
	registered  bool
	connected   bool
	closed      bool
}

// Dial connects to the coordinator at addr and identifies as id.
func Dial(ctx context.Context, addr string, id int64, messageFile string, opts ...Option) (*Participant, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid coordinator address %q: %w", addr, err)
	}
	p := &Participant{
		host:        host,
		messageFile: messageFile,
		id:          id,
		ackTimeout:  DefaultAckTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	conn, err := protocol.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to coordinator %s: %w", addr, err)
	}
	if err := conn.WriteClientID(id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send client id: %w", err)
	}
	p.cmd = conn
	p.logger = p.logger.With().Int64("id", id).Logger()
	return p, nil
}

// ID returns the participant's client id.
func (p *Participant) ID() int64 { return p.id }

// MessageFile returns the path delivered messages are appended to.
func (p *Participant) MessageFile() string { return p.messageFile }

// Registered reports whether the participant is registered.
func (p *Participant) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

// Connected reports whether the participant is receiving messages.
func (p *Participant) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Register creates the message file, joins the group and starts receiving
// on port.
func (p *Participant) Register(ctx context.Context, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	if p.registered {
		return ErrAlreadyRegistered
	}

	f, err := os.OpenFile(p.messageFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create message file: %w", err)
	}
	_ = f.Close()

	if err := p.openMessageChannel(ctx, protocol.VerbRegister, port); err != nil {
		return err
	}
	p.registered = true
	p.connected = true
	return nil
}

// Reconnect resumes receiving on port. Messages sent while disconnected and
// still within the coordinator's retention window are delivered first.
func (p *Participant) Reconnect(ctx context.Context, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	switch {
	case !p.registered:
		return ErrNotRegistered
	case p.connected:
		return ErrAlreadyConnected
	}

	if err := p.openMessageChannel(ctx, protocol.VerbReconnect, port); err != nil {
		return err
	}
	p.connected = true
	return nil
}

// Disconnect stops receiving while staying in the group.
func (p *Participant) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	switch {
	case !p.registered:
		return ErrNotRegistered
	case !p.connected:
		return ErrNotConnected
	}

	if err := p.command(fmt.Sprintf("%s %d", protocol.VerbDisconnect, p.id)); err != nil {
		return err
	}
	p.drainReceiver()
	p.connected = false
	return nil
}

// Deregister leaves the group and deletes the message file.
func (p *Participant) Deregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	if !p.registered {
		return ErrNotRegistered
	}

	if err := p.command(fmt.Sprintf("%s %d", protocol.VerbDeregister, p.id)); err != nil {
		return err
	}
	p.drainReceiver()
	p.registered = false
	p.connected = false
	if err := os.Remove(p.messageFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove message file: %w", err)
	}
	return nil
}

// Send multicasts text to every connected participant, this one included.
func (p *Participant) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	switch {
	case !p.registered:
		return ErrNotRegistered
	case !p.connected:
		return ErrNotConnected
	}
	return p.command(string(protocol.VerbSend) + " " + text)
}

// Exec runs one command line as typed at the participant prompt:
// "register <port>", "deregister", "disconnect", "reconnect <port>" or
// "msend <text>".
func (p *Participant) Exec(ctx context.Context, line string) error {
	verb, rest, _ := strings.Cut(line, " ")
	switch protocol.Verb(verb) {
	case protocol.VerbRegister, protocol.VerbReconnect:
		port, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", verb, strings.TrimSpace(rest))
		}
		if verb == string(protocol.VerbRegister) {
			return p.Register(ctx, port)
		}
		return p.Reconnect(ctx, port)
	case protocol.VerbDeregister:
		return p.Deregister()
	case protocol.VerbDisconnect:
		return p.Disconnect()
	case protocol.VerbSend:
		if rest == "" {
			return errors.New("msend: message text is required")
		}
		return p.Send(rest)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
	}
}

// Close stops receiving and closes the command channel. It does not
// deregister.
func (p *Participant) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stopReceiver()
	return p.cmd.Close()
}

func (p *Participant) usable() error {
	if p.closed {
		return ErrClosed
	}
	return nil
}

// openMessageChannel runs the two-token register/reconnect handshake. The
// coordinator listens on port before sending the first token and replays
// missed messages before the second.
func (p *Participant) openMessageChannel(ctx context.Context, verb protocol.Verb, port int) error {
	if err := p.cmd.WriteString(fmt.Sprintf("%s %d %d", verb, port, p.id)); err != nil {
		return fmt.Errorf("send %s: %w", verb, err)
	}
	if err := p.readAck(); err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}

	conn, dialErr := protocol.Dial(ctx, net.JoinHostPort(p.host, strconv.Itoa(port)))
	if dialErr == nil {
		p.recv = startReceiver(conn, p.messageFile, p.onMessage, p.logger)
	}

	// The final token is always sent, so read it even when the dial failed.
	if err := p.readAck(); err != nil {
		p.stopReceiver()
		if dialErr != nil {
			return fmt.Errorf("%s: open message channel: %w", verb, dialErr)
		}
		return fmt.Errorf("%s: %w", verb, err)
	}
	if dialErr != nil {
		return fmt.Errorf("%s: open message channel: %w", verb, dialErr)
	}
	p.logger.Debug().Str("verb", string(verb)).Int("port", port).Msg("message channel open")
	return nil
}

func (p *Participant) command(line string) error {
	if err := p.cmd.WriteString(line); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return p.readAck()
}

func (p *Participant) readAck() error {
	if p.ackTimeout > 0 {
		if err := p.cmd.SetReadDeadline(time.Now().Add(p.ackTimeout)); err != nil {
			return err
		}
	}
	tok, err := p.cmd.ReadString()
	if err != nil {
		return fmt.Errorf("read acknowledgement: %w", err)
	}
	return protocol.ParseAck(tok)
}

// drainTimeout bounds how long disconnect and deregister wait for the
// coordinator to close the message channel.
const drainTimeout = time.Second

func (p *Participant) drainReceiver() {
	if p.recv != nil {
		p.recv.drain(drainTimeout)
		p.recv = nil
	}
}

func (p *Participant) stopReceiver() {
	if p.recv != nil {
		p.recv.stop()
		p.recv = nil
	}
}
