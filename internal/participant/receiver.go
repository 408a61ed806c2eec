package participant

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/castor/internal/protocol"
)

// receiver reads the message channel and appends each message, one per
// line, to the message file.
type receiver struct {
	conn *protocol.Conn
	done chan struct{}
}

func startReceiver(conn *protocol.Conn, path string, onMessage func(string), logger zerolog.Logger) *receiver {
	r := &receiver{conn: conn, done: make(chan struct{})}
	go r.run(path, onMessage, logger)
	return r
}

func (r *receiver) run(path string, onMessage func(string), logger zerolog.Logger) {
	defer close(r.done)
	for {
		msg, err := r.conn.ReadString()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("message channel closed")
			}
			return
		}
		if err := appendLine(path, msg); err != nil {
			logger.Error().Err(err).Str("file", path).Msg("failed to record message")
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// drain waits up to d for the coordinator to close the channel so messages
// already in flight are recorded, then stops.
func (r *receiver) drain(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.done:
	case <-t.C:
	}
	r.stop()
}

func (r *receiver) stop() {
	_ = r.conn.Close()
	<-r.done
}
