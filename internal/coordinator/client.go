package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

// ConnState is the lifecycle state of a client.
type ConnState int32

const (
	// StateUnregistered means no message channel and no delivery state.
	StateUnregistered ConnState = iota
	// StateConnected means the message channel is open and receiving.
	StateConnected
	// StateDisconnected means the message channel is closed but the delivery
	// watermark is kept for catch-up replay.
	StateDisconnected
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AllStates lists every connection state, in declaration order.
var AllStates = []ConnState{StateUnregistered, StateConnected, StateDisconnected}

var (
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the client's current state.
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrNoCommandChannel is returned when acknowledging a client whose
	// command channel has been closed.
	ErrNoCommandChannel = errors.New("command channel closed")

	// ErrMessageChannelOpen is returned by Connect when a message channel is
	// already attached.
	ErrMessageChannelOpen = errors.New("message channel already open")
)

var validTransitions = map[ConnState][]ConnState{
	StateUnregistered: {StateConnected},
	StateConnected:    {StateDisconnected, StateUnregistered},
	StateDisconnected: {StateConnected, StateUnregistered},
}

func canTransition(from, to ConnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Frame is one read from a command channel. Err is set, with Text empty, when
// the channel failed; no further frames follow an error.
type Frame struct {
	Text string
	Err  error
}

// frameBuffer bounds how many unread commands a participant may queue.
const frameBuffer = 64

// CommandChannel is the control connection of a client plus the goroutine
// that turns inbound frames into a Go channel the owning worker polls.
type CommandChannel struct {
	openedAt  time.Time
	conn      *protocol.Conn
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	session   uuid.UUID
}

func newCommandChannel(conn *protocol.Conn, notify func()) *CommandChannel {
	ch := &CommandChannel{
		openedAt: time.Now(),
		conn:     conn,
		frames:   make(chan Frame, frameBuffer),
		done:     make(chan struct{}),
		session:  uuid.New(),
	}
	go ch.read(notify)
	return ch
}

func (ch *CommandChannel) read(notify func()) {
	for {
		text, err := ch.conn.ReadString()
		select {
		case ch.frames <- Frame{Text: text, Err: err}:
			if notify != nil {
				notify()
			}
		case <-ch.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Close stops the reader and closes the connection. Safe to call repeatedly.
func (ch *CommandChannel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		_ = ch.conn.Close()
	})
}

// Client is the coordinator's record of one participant.
//
// Identity fields are immutable. Every other field is written only by the
// worker that owns the client's shard; State, LastDelivered and Delivered are
// atomics so other goroutines (admin API, metrics) can read them at any time.
type Client struct {
	createdAt     time.Time
	msg           *protocol.Conn // owning worker only
	notify        func()
	cmd           atomic.Pointer[CommandChannel]
	assignedID    uint64
	providedID    int64
	lastDelivered atomic.Int64
	delivered     atomic.Uint64
	state         atomic.Int32
}

// NewClient creates an Unregistered client around an established command
// connection and starts reading commands from it. notify is called after
// every inbound frame so the owning worker can wake up.
func NewClient(assignedID uint64, providedID int64, conn *protocol.Conn, notify func()) *Client {
	c := &Client{
		createdAt:  time.Now(),
		notify:     notify,
		assignedID: assignedID,
		providedID: providedID,
	}
	c.lastDelivered.Store(-1)
	c.cmd.Store(newCommandChannel(conn, notify))
	return c
}

// AssignedID returns the coordinator-assigned id.
func (c *Client) AssignedID() uint64 { return c.assignedID }

// ProvidedID returns the participant-provided id.
func (c *Client) ProvidedID() int64 { return c.providedID }

// State returns the current lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// LastDelivered returns the stamp of the last message written to the client,
// or the registration watermark, or -1 if neither exists.
func (c *Client) LastDelivered() int64 { return c.lastDelivered.Load() }

// Delivered returns how many messages have been written to the client.
func (c *Client) Delivered() uint64 { return c.delivered.Load() }

// Commands returns the channel of inbound command frames, or nil when the
// command channel is closed. A nil channel is never ready in a select.
func (c *Client) Commands() <-chan Frame {
	if ch := c.cmd.Load(); ch != nil {
		return ch.frames
	}
	return nil
}

// Session returns the id of the current command connection.
func (c *Client) Session() uuid.UUID {
	if ch := c.cmd.Load(); ch != nil {
		return ch.session
	}
	return uuid.Nil
}

// HasMessageChannel reports whether a message channel is attached.
// Owning worker only.
func (c *Client) HasMessageChannel() bool { return c.msg != nil }

// Ack writes one token on the command channel.
func (c *Client) Ack(token string) error {
	ch := c.cmd.Load()
	if ch == nil {
		return ErrNoCommandChannel
	}
	return ch.conn.WriteString(token)
}

// Connect attaches msg and moves the client to Connected. The delivery
// watermark is raised to watermark if that is newer; it never moves back.
func (c *Client) Connect(msg *protocol.Conn, watermark int64) error {
	if c.msg != nil {
		return ErrMessageChannelOpen
	}
	if err := c.transition(StateConnected); err != nil {
		return err
	}
	c.msg = msg
	if watermark > c.lastDelivered.Load() {
		c.lastDelivered.Store(watermark)
	}
	return nil
}

// Disconnect closes the message channel and moves Connected to Disconnected,
// keeping the delivery watermark.
func (c *Client) Disconnect() error {
	if err := c.transition(StateDisconnected); err != nil {
		return err
	}
	return c.closeMessageChannel()
}

// Unregister closes the message channel (if any) and moves the client to
// Unregistered. Unregistering an Unregistered client is a no-op.
func (c *Client) Unregister() error {
	if c.State() == StateUnregistered {
		return nil
	}
	if err := c.transition(StateUnregistered); err != nil {
		return err
	}
	return c.closeMessageChannel()
}

// Deliver writes e to the message channel if the client is Connected and has
// not yet received it, then advances the watermark to e's stamp. It reports
// whether a write happened. A write error leaves the watermark untouched.
func (c *Client) Deliver(e storage.Entry) (bool, error) {
	if c.State() != StateConnected || c.msg == nil {
		return false, nil
	}
	if e.Timestamp <= c.lastDelivered.Load() {
		return false, nil
	}
	if err := c.msg.WriteString(e.Payload); err != nil {
		return false, err
	}
	c.lastDelivered.Store(e.Timestamp)
	c.delivered.Add(1)
	return true, nil
}

// ReplaceCommandChannel swaps in a new command connection, closing the old
// one. Used when a participant with a known id connects again.
func (c *Client) ReplaceCommandChannel(conn *protocol.Conn) {
	if old := c.cmd.Swap(newCommandChannel(conn, c.notify)); old != nil {
		old.Close()
	}
}

// CloseCommandChannel closes the command connection. The client stops
// receiving commands until a new connection is attached.
func (c *Client) CloseCommandChannel() {
	if old := c.cmd.Swap(nil); old != nil {
		old.Close()
	}
}

// Close releases both channels without changing state. Used at shutdown
// once the owning worker has stopped.
func (c *Client) Close() {
	c.CloseCommandChannel()
	_ = c.closeMessageChannel()
}

func (c *Client) transition(to ConnState) error {
	from := c.State()
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state.Store(int32(to))
	return nil
}

func (c *Client) closeMessageChannel() error {
	if c.msg == nil {
		return nil
	}
	err := c.msg.Close()
	c.msg = nil
	return err
}

// ClientInfo is a point-in-time view of a client for reporting.
type ClientInfo struct {
	CreatedAt     time.Time `json:"created_at"`
	State         string    `json:"state"`
	Session       string    `json:"session"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	AssignedID    uint64    `json:"assigned_id"`
	ProvidedID    int64     `json:"provided_id"`
	LastDelivered int64     `json:"last_delivered"`
	Delivered     uint64    `json:"delivered"`
	Shard         int       `json:"shard"`
}

// Info returns a snapshot of the client's reportable fields. Shard is filled
// in by the Registry.
func (c *Client) Info() ClientInfo {
	info := ClientInfo{
		CreatedAt:     c.createdAt,
		State:         c.State().String(),
		AssignedID:    c.assignedID,
		ProvidedID:    c.providedID,
		LastDelivered: c.LastDelivered(),
		Delivered:     c.Delivered(),
	}
	if ch := c.cmd.Load(); ch != nil {
		info.Session = ch.session.String()
		if addr := ch.conn.RemoteAddr(); addr != nil {
			info.RemoteAddr = addr.String()
		}
	}
	return info
}
