// Package memory is an in-process transport for tests. Listeners register
// on a Network by address; Dial connects to them over a synchronous pipe.
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/TheusHen/boxlink/boxlink/transport"
)

// Network is a registry of listeners. The zero value is not usable; call
// NewNetwork.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	nextID    int
}

var _ transport.Transport = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers addr. An empty addr picks a unique one.
func (n *Network) Listen(addr string) (transport.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.nextID++
		addr = fmt.Sprintf("mem-%d", n.nextID)
	}
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("memory transport: address %q in use", addr)
	}
	l := &Listener{
		net:    n,
		addr:   addr,
		accept: make(chan transport.Conn),
		done:   make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

func (n *Network) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: no listener at %q", addr)
	}

	client, server := net.Pipe()
	sc := transport.NewStreamConn(server, "pipe", nil)
	select {
	case l.accept <- sc:
		return transport.NewStreamConn(client, addr, nil), nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, transport.ErrClosed
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type Listener struct {
	net    *Network
	addr   string
	accept chan transport.Conn
	done   chan struct{}
	once   sync.Once
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
		close(l.done)
	})
	return nil
}
