package participant

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/castor/internal/config"
	"github.com/dreamware/castor/internal/protocol"
	"github.com/dreamware/castor/internal/service"
)

const waitFor = 3 * time.Second

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startCoordinator(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.RetentionSeconds = 60
	cfg.Workers = 4
	cfg.IdleTick = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := service.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s.Addr().String()
}

func dial(t *testing.T, addr string, id int64, opts ...Option) *Participant {
	t.Helper()
	file := filepath.Join(t.TempDir(), "messages.txt")
	p, err := Dial(context.Background(), addr, id, file, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func waitLines(t *testing.T, p *Participant, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, fileLines(t, p.MessageFile()))
	}, waitFor, 10*time.Millisecond)
}

func TestRegisterCreatesMessageFile(t *testing.T) {
	addr := startCoordinator(t, nil)
	p := dial(t, addr, 1)

	require.NoError(t, p.Register(context.Background(), freePort(t)))
	assert.True(t, p.Registered())
	assert.True(t, p.Connected())
	_, err := os.Stat(p.MessageFile())
	assert.NoError(t, err)

	assert.ErrorIs(t, p.Register(context.Background(), freePort(t)), ErrAlreadyRegistered)
}

func TestSendRecordsToEveryParticipant(t *testing.T) {
	addr := startCoordinator(t, nil)
	received := make(chan string, 4)
	a := dial(t, addr, 1, WithOnMessage(func(s string) { received <- s }))
	b := dial(t, addr, 2)
	require.NoError(t, a.Register(context.Background(), freePort(t)))
	require.NoError(t, b.Register(context.Background(), freePort(t)))

	require.NoError(t, b.Send("hello world"))
	require.NoError(t, b.Send("ünïcode ✓"))

	waitLines(t, a, "hello world", "ünïcode ✓")
	waitLines(t, b, "hello world", "ünïcode ✓")
	assert.Equal(t, "hello world", <-received)
}

func TestDisconnectAndReconnect(t *testing.T) {
	addr := startCoordinator(t, nil)
	a := dial(t, addr, 1)
	b := dial(t, addr, 2)
	ctx := context.Background()
	require.NoError(t, a.Register(ctx, freePort(t)))
	require.NoError(t, b.Register(ctx, freePort(t)))

	require.NoError(t, b.Send("first"))
	waitLines(t, a, "first")

	require.NoError(t, a.Disconnect())
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Send("nope"), ErrNotConnected)
	assert.ErrorIs(t, a.Disconnect(), ErrNotConnected)

	require.NoError(t, b.Send("missed"))
	waitLines(t, b, "first", "missed")
	assert.Equal(t, []string{"first"}, fileLines(t, a.MessageFile()))

	require.NoError(t, a.Reconnect(ctx, freePort(t)))
	assert.ErrorIs(t, a.Reconnect(ctx, freePort(t)), ErrAlreadyConnected)
	waitLines(t, a, "first", "missed")

	require.NoError(t, b.Send("live"))
	waitLines(t, a, "first", "missed", "live")
}

func TestDeregisterDeletesMessageFile(t *testing.T) {
	addr := startCoordinator(t, nil)
	p := dial(t, addr, 1)
	require.NoError(t, p.Register(context.Background(), freePort(t)))
	require.NoError(t, p.Send("x"))
	waitLines(t, p, "x")

	require.NoError(t, p.Deregister())
	assert.False(t, p.Registered())
	_, err := os.Stat(p.MessageFile())
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, p.Deregister(), ErrNotRegistered)
	require.NoError(t, p.Register(context.Background(), freePort(t)), "can register again")
}

func TestLocalPreconditions(t *testing.T) {
	addr := startCoordinator(t, nil)
	p := dial(t, addr, 1)
	ctx := context.Background()

	assert.ErrorIs(t, p.Send("hi"), ErrNotRegistered)
	assert.ErrorIs(t, p.Disconnect(), ErrNotRegistered)
	assert.ErrorIs(t, p.Reconnect(ctx, 4000), ErrNotRegistered)
	assert.ErrorIs(t, p.Deregister(), ErrNotRegistered)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Register(ctx, 4000), ErrClosed)
	assert.NoError(t, p.Close())
}

func TestExec(t *testing.T) {
	addr := startCoordinator(t, nil)
	p := dial(t, addr, 1)
	ctx := context.Background()

	tests := []struct {
		line    string
		wantErr error
		errText string
	}{
		{line: "register " + itoa(freePort(t))},
		{line: "msend  spaced  out "},
		{line: "disconnect"},
		{line: "reconnect " + itoa(freePort(t))},
		{line: "register 1", wantErr: ErrAlreadyRegistered},
		{line: "register abc", errText: "invalid port"},
		{line: "msend", errText: "text is required"},
		{line: "dance", wantErr: ErrUnknownCommand},
		{line: "deregister"},
	}
	for _, tt := range tests {
		err := p.Exec(ctx, tt.line)
		switch {
		case tt.wantErr != nil:
			assert.ErrorIs(t, err, tt.wantErr, tt.line)
		case tt.errText != "":
			assert.ErrorContains(t, err, tt.errText, tt.line)
		default:
			assert.NoError(t, err, tt.line)
		}
	}
}

func TestMessagePayloadIsVerbatim(t *testing.T) {
	addr := startCoordinator(t, nil)
	p := dial(t, addr, 1)
	require.NoError(t, p.Register(context.Background(), freePort(t)))
	require.NoError(t, p.Exec(context.Background(), "msend  spaced  out "))
	waitLines(t, p, " spaced  out ")
}

func TestRegisterRejectedWithErrorAcks(t *testing.T) {
	addr := startCoordinator(t, func(c *config.Config) { c.ErrorAcks = true })

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	p := dial(t, addr, 1)
	err = p.Register(context.Background(), taken.Addr().(*net.TCPAddr).Port)
	var nack *protocol.NackError
	require.ErrorAs(t, err, &nack)
	assert.False(t, p.Registered())

	require.NoError(t, p.Register(context.Background(), freePort(t)), "command channel stays in sync")
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:"+itoa(freePort(t)), 1, "f")
	assert.Error(t, err)

	_, err = Dial(context.Background(), "no-port", 1, "f")
	assert.Error(t, err)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
