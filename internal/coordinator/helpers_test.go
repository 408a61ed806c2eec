package coordinator

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/castor/internal/protocol"
)

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client *protocol.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
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

// newTestClient builds a client around a loopback command channel and
// returns the participant's end.
func newTestClient(t *testing.T, assigned uint64, provided int64) (*Client, *protocol.Conn) {
	t.Helper()
	server, peer := tcpPair(t)
	c := NewClient(assigned, provided, server, nil)
	t.Cleanup(c.CloseCommandChannel)
	return c, peer
}

// fakeDispatcher records Wake and Attach calls.
type fakeDispatcher struct {
	attached map[uint64]*protocol.Conn
	wakes    map[int]int
	mu       sync.Mutex
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		attached: make(map[uint64]*protocol.Conn),
		wakes:    make(map[int]int),
	}
}

func (d *fakeDispatcher) Wake(shard int) {
	d.mu.Lock()
	d.wakes[shard]++
	d.mu.Unlock()
}

func (d *fakeDispatcher) Attach(c *Client, conn *protocol.Conn) {
	d.mu.Lock()
	d.attached[c.AssignedID()] = conn
	d.mu.Unlock()
}

func (d *fakeDispatcher) attachedTo(assigned uint64) (*protocol.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.attached[assigned]
	return conn, ok
}

func (d *fakeDispatcher) wakeCount(shard int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wakes[shard]
}
