package sidecar

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tartuvoice/helisild/pkg/wire"
)

// readBufSize is the chunk size handed to the frame decoder per read.
const readBufSize = 32 * 1024

// transport is the single stream connection to the sidecar. Inbound bytes go
// through a [wire.Decoder]; every fully decoded message is forwarded to the
// supervisor's dispatch in byte-arrival order. Writes are serialized so
// frames never interleave.
type transport struct {
	conn net.Conn
	log  *slog.Logger

	onMessage func(wire.Message)
	onError   func(*transport, error)

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// dialTransport connects to the unix stream socket at addr. It resolves or
// rejects on the dial itself; errors after a successful connect are reported
// through onError instead.
func dialTransport(ctx context.Context, addr string, onMessage func(wire.Message), onError func(*transport, error), log *slog.Logger) (*transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	t := &transport{
		conn:      conn,
		log:       log,
		onMessage: onMessage,
		onError:   onError,
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// send encodes msg and writes the frame. It fails fast with ErrNotConnected
// after close, and completion means the bytes were accepted by the
// connection, not that the sidecar has acted on them.
func (t *transport) send(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}

	if _, err := t.conn.Write(frame); err != nil {
		t.close()
		terr := &TransportError{Op: "write", Err: err}
		// The read loop sees net.ErrClosed after a local close and stays
		// silent, so the write path must report the failure itself.
		t.onError(t, terr)
		return terr
	}
	return nil
}

// close shuts the connection down exactly once. Safe to call from any
// goroutine; the read loop observes the closed connection and exits.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

// readLoop feeds raw chunks into the decoder and dispatches decoded messages
// inline, preserving arrival order. A decode failure is fatal for the
// connection: the stream has no resynchronization point, so the loop closes
// the transport and reports the error.
func (t *transport) readLoop() {
	dec := &wire.Decoder{}
	buf := make([]byte, readBufSize)

	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, m := range msgs {
				t.onMessage(m)
			}
			if derr != nil {
				t.log.Error("protocol error on sidecar connection", "err", derr)
				t.close()
				t.onError(t, derr)
				return
			}
		}
		if err != nil {
			t.close()
			// Locally initiated close is not a transport failure.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.onError(t, &TransportError{Op: "read", Err: err})
			return
		}
	}
}
