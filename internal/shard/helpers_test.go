package shard

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/castor/internal/coordinator"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/storage"
)

const waitFor = 3 * time.Second

// fakeClock is a settable time source measured in whole seconds.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(sec int64) *fakeClock {
	return &fakeClock{now: time.Unix(sec, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(sec int64) {
	c.mu.Lock()
	c.now = time.Unix(sec, 0)
	c.mu.Unlock()
}

func sec(s int64) int64 {
	return time.Unix(s, 0).UnixNano()
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client *protocol.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv, ok := <-accepted
	require.True(t, ok)

	server, client = protocol.NewConn(srv), protocol.NewConn(raw)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

// harness is a running pool over an in-memory log with a fake clock.
type harness struct {
	t     *testing.T
	clock *fakeClock
	log   *storage.MemoryLog
	reg   *coordinator.Registry
	pool  *Pool
}

func newHarness(t *testing.T, workers int, retention time.Duration, cfg HandlerConfig) *harness {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	clock := newFakeClock(0)
	log := storage.NewMemoryLog(retention, storage.WithClock(clock.Now))
	reg := coordinator.NewRegistry(workers)
	pool := NewPool(Config{Handler: cfg, IdleTick: 10 * time.Millisecond}, log, reg, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
		pool.Close()
	})
	return &harness{t: t, clock: clock, log: log, reg: reg, pool: pool}
}

// join creates a client with the given ids as the acceptor would and returns
// the participant's side.
func (h *harness) join(assigned uint64, provided int64) *peer {
	h.t.Helper()
	server, client := tcpPair(h.t)
	shard := h.reg.ShardOf(assigned)
	c := coordinator.NewClient(assigned, provided, server, func() { h.pool.Wake(shard) })
	_, err := h.reg.Insert(c)
	require.NoError(h.t, err)
	h.pool.Wake(shard)
	return &peer{t: h.t, id: provided, cmd: client, client: c}
}

// peer plays the participant: it writes commands, reads acks and holds the
// message channel.
type peer struct {
	t      *testing.T
	cmd    *protocol.Conn
	msg    *protocol.Conn
	client *coordinator.Client
	id     int64
}

func (p *peer) send(line string) {
	p.t.Helper()
	require.NoError(p.t, p.cmd.WriteString(line))
}

func (p *peer) ack() string {
	p.t.Helper()
	require.NoError(p.t, p.cmd.SetReadDeadline(time.Now().Add(waitFor)))
	tok, err := p.cmd.ReadString()
	require.NoError(p.t, err)
	return tok
}

// do sends a single-token command and returns the token.
func (p *peer) do(format string, args ...any) string {
	p.t.Helper()
	p.send(fmt.Sprintf(format, args...))
	return p.ack()
}

// open runs the register or reconnect handshake on a fresh port.
func (p *peer) open(verb string) {
	p.t.Helper()
	port := freePort(p.t)
	p.send(verb + " " + strconv.Itoa(port) + " " + strconv.FormatInt(p.id, 10))
	require.Equal(p.t, protocol.AckOK, p.ack(), "ready token")
	p.dial(port)
}

// dial opens the message channel to a port the coordinator is listening on.
func (p *peer) dial(port int) {
	p.t.Helper()
	conn, err := protocol.Dial(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(p.t, err)
	p.t.Cleanup(func() { _ = conn.Close() })
	p.msg = conn
}

func (p *peer) register() {
	p.t.Helper()
	p.open("register")
	require.Equal(p.t, protocol.AckOK, p.ack(), "final token")
}

// reconnect completes the handshake; replayed messages can be read with
// expect before or after the final token.
func (p *peer) reconnect() {
	p.t.Helper()
	p.open("reconnect")
	require.Equal(p.t, protocol.AckOK, p.ack(), "final token")
}

func (p *peer) expect(want ...string) {
	p.t.Helper()
	require.NotNil(p.t, p.msg, "no message channel")
	got := make([]string, 0, len(want))
	for range want {
		require.NoError(p.t, p.msg.SetReadDeadline(time.Now().Add(waitFor)))
		s, err := p.msg.ReadString()
		require.NoError(p.t, err, "received so far: %q", got)
		got = append(got, s)
	}
	require.Equal(p.t, want, got)
}

func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	require.NotNil(p.t, p.msg, "no message channel")
	require.NoError(p.t, p.msg.SetReadDeadline(time.Now().Add(d)))
	s, err := p.msg.ReadString()
	require.Error(p.t, err, "unexpected message %q", s)
}
