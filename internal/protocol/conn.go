package protocol

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// Conn is a framed view over a TCP connection. Writes are serialized and
// flushed per frame; reads are expected from a single goroutine.
type Conn struct {
	raw          net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	writeTimeout time.Duration
	mu           sync.Mutex // serializes writers
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		raw: c,
		r:   bufio.NewReader(c),
		w:   bufio.NewWriter(c),
	}
}

// Dial connects to addr and returns the framed connection.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// SetWriteTimeout bounds every subsequent WriteString call. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	c.writeTimeout = d
	c.mu.Unlock()
}

// ReadString reads the next frame.
func (c *Conn) ReadString() (string, error) {
	return ReadUTF(c.r)
}

// ReadClientID reads the connection-opening client id.
func (c *Conn) ReadClientID() (int64, error) {
	return ReadClientID(c.r)
}

// WriteString writes and flushes one frame.
func (c *Conn) WriteString(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if err := WriteUTF(c.w, s); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteClientID writes and flushes the connection-opening client id.
func (c *Conn) WriteClientID(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteClientID(c.w, id); err != nil {
		return err
	}
	return c.w.Flush()
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
