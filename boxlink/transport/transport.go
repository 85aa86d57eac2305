// Package transport defines the frame I/O the node runs over and a stream
// adapter shared by the concrete transports.
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/TheusHen/boxlink/boxlink/protocol"
)

var ErrClosed = errors.New("transport: closed")

// Transport opens connections by address. The node uses this interface
// exclusively so that tests can inject an in-memory network.
type Transport interface {
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Conn exchanges whole frames. Send and Read may be used from different
// goroutines, but each must not be called concurrently with itself.
type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Read(ctx context.Context) (protocol.Frame, error)
	RemoteAddr() string
	Close() error
}

// Stream is a bidirectional byte stream with deadlines, such as a net.Conn
// or a QUIC stream.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type streamConn struct {
	s       Stream
	remote  string
	onClose func() error
	once    sync.Once
}

// NewStreamConn frames f over s. onClose, if set, runs after s is closed.
func NewStreamConn(s Stream, remote string, onClose func() error) Conn {
	return &streamConn{s: s, remote: remote, onClose: onClose}
}

func (c *streamConn) Send(ctx context.Context, f protocol.Frame) error {
	stop := bindDeadline(ctx, c.s.SetWriteDeadline)
	defer stop()
	if err := protocol.WriteFrame(c.s, f); err != nil {
		return ctxErr(ctx, err)
	}
	return nil
}

func (c *streamConn) Read(ctx context.Context) (protocol.Frame, error) {
	stop := bindDeadline(ctx, c.s.SetReadDeadline)
	defer stop()
	f, err := protocol.ReadFrame(c.s)
	if err != nil {
		return protocol.Frame{}, ctxErr(ctx, err)
	}
	return f, nil
}

func (c *streamConn) RemoteAddr() string { return c.remote }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.s.Close()
		if c.onClose != nil {
			err = errors.Join(err, c.onClose())
		}
	})
	return err
}

// bindDeadline applies ctx's deadline to the stream and interrupts the
// pending call when ctx is cancelled.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	} else {
		_ = set(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = set(time.Now()) })
	return func() { stop() }
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// the stream deadline can fire just before ctx notices its own
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}
