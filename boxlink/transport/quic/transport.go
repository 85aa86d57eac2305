// Package quic carries boxlink frames over QUIC, one bidirectional stream
// per connection.
package quic

import (
	"context"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/boxlink/boxlink/transport"
)

// Transport implements transport.Transport over quic-go.
type Transport struct {
	// IdleTimeout closes connections without traffic. Zero keeps the
	// quic-go default.
	IdleTimeout time.Duration
	// Identity is presented by listeners.
	Identity Identity
}

var _ transport.Transport = Transport{}

func (t Transport) config() *q.Config {
	return &q.Config{MaxIdleTimeout: t.IdleTimeout}
}

type Listener struct {
	inner *q.Listener
}

func (t Transport) Listen(addr string) (transport.Listener, error) {
	tlsConf, err := serverTLSConfig(t.Identity)
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, t.config())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept waits for a connection and its first stream. The stream only
// becomes visible once the dialer has written to it.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return transport.NewStreamConn(st, conn.RemoteAddr().String(), closer(conn)), nil
}

func (l *Listener) Addr() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

func (t Transport) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	conn, err := q.DialAddr(ctx, addr, clientTLSConfig(), t.config())
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return transport.NewStreamConn(st, conn.RemoteAddr().String(), closer(conn)), nil
}

func closer(conn q.Connection) func() error {
	return func() error { return conn.CloseWithError(0, "closed") }
}
