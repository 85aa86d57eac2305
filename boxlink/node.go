package boxlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tryfix/log"

	"github.com/TheusHen/boxlink/boxlink/envelope"
	"github.com/TheusHen/boxlink/boxlink/keystore"
	"github.com/TheusHen/boxlink/boxlink/logging"
	"github.com/TheusHen/boxlink/boxlink/nonce"
	"github.com/TheusHen/boxlink/boxlink/payload"
	"github.com/TheusHen/boxlink/boxlink/protocol"
	"github.com/TheusHen/boxlink/boxlink/session"
	"github.com/TheusHen/boxlink/boxlink/transport"
)

// DefaultPort is the well-known port the inbound handler is bound to.
const DefaultPort uint8 = 20

var (
	ErrUnexpectedReply = errors.New("boxlink: unexpected reply")
	ErrNoReply         = errors.New("boxlink: connection closed before reply")
)

// Handler receives decoded application data from a peer slot. A non-nil
// return value is sent back to the peer.
type Handler func(peer int, data []byte) []byte

type Config struct {
	// Node is this node's id, carried as the source of every frame.
	Node uint8
	// Port is served by Serve and targeted by Echo. Zero means DefaultPort.
	Port uint8
	// Compress enables LZ4 for payloads that shrink.
	Compress bool
	// Handler processes inbound data. Nil echoes it back.
	Handler           Handler
	ReplayWindow      bool
	RequiredPrivilege keystore.Privilege
	Codec             nonce.Codec
	Allocator         envelope.Allocator
	Logger            log.Logger
}

// Node is a high-level helper that combines the session protocol with a
// frame transport.
type Node struct {
	keys   *keystore.Store
	tr     transport.Transport
	cfg    Config
	proto  *session.Protocol
	logger log.Logger
}

func NewNode(keys *keystore.Store, tr transport.Transport, cfg Config) *Node {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Quiet()
	}
	n := &Node{keys: keys, tr: tr, cfg: cfg, logger: cfg.Logger}
	n.proto = session.New(keys, session.Options{
		Codec:             cfg.Codec,
		Allocator:         cfg.Allocator,
		Handler:           n.deliver,
		RequiredPrivilege: cfg.RequiredPrivilege,
		ReplayWindow:      cfg.ReplayWindow,
		Logger:            cfg.Logger,
	})
	return n
}

func (n *Node) Logger() log.Logger { return n.logger }

func (n *Node) Keys() *keystore.Store { return n.keys }

// Protocol returns the session protocol, e.g. for its statistics.
func (n *Node) Protocol() *session.Protocol { return n.proto }

func (n *Node) Listen(addr string) (transport.Listener, error) {
	return n.tr.Listen(addr)
}

// Serve accepts connections on ln until ctx is done. Frames addressed to
// other ports or from unknown nodes are dropped.
func (n *Node) Serve(ctx context.Context, ln transport.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveConn(ctx, conn)
		}()
	}
}

func (n *Node) serveConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	for {
		f, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Debug(fmt.Sprintf(`connection from %s ended - %v`, conn.RemoteAddr(), err))
			}
			return
		}
		if f.Type == protocol.MessageTypeClose {
			return
		}
		if f.Port != n.cfg.Port {
			n.logger.Debug(fmt.Sprintf(`dropping frame for port %d from node %d`, f.Port, f.Src))
			continue
		}
		slot, err := n.keys.Lookup(f.Src)
		if err != nil {
			n.logger.Warn(fmt.Sprintf(`dropping frame from %s - %v`, conn.RemoteAddr(), err))
			continue
		}
		reply := n.proto.HandleInbound(slot, f.Payload)
		if reply == nil {
			continue
		}
		err = conn.Send(ctx, protocol.Frame{
			Type:    protocol.MessageTypeData,
			Src:     n.cfg.Node,
			Port:    f.Port,
			Payload: reply,
		})
		if err != nil {
			n.logger.Error(fmt.Sprintf(`sending reply to node %d failed - %v`, f.Src, err))
			return
		}
	}
}

// deliver sits between the session protocol and the application handler,
// adding the payload flag byte. A payload that does not decode is rejected.
func (n *Node) deliver(peer int, plaintext []byte) ([]byte, error) {
	data, err := payload.Decode(plaintext)
	if err != nil {
		return nil, err
	}
	reply := data
	if n.cfg.Handler != nil {
		reply = n.cfg.Handler(peer, data)
	}
	if reply == nil {
		return nil, nil
	}
	out, err := payload.Encode(reply, n.cfg.Compress)
	if err != nil {
		n.logger.Error(fmt.Sprintf(`encoding reply for slot %d failed - %v`, peer, err))
		return nil, nil
	}
	return out, nil
}

// Echo sends data to the peer in slot peer at addr and waits for its reply.
// The round-trip time covers send to receipt, not the dial.
func (n *Node) Echo(ctx context.Context, addr string, peer int, data []byte) (time.Duration, []byte, error) {
	cfg, err := n.keys.Peer(peer)
	if err != nil {
		return 0, nil, err
	}
	enc, err := payload.Encode(data, n.cfg.Compress)
	if err != nil {
		return 0, nil, err
	}
	wire, err := n.proto.Encrypt(peer, enc)
	if err != nil {
		return 0, nil, err
	}

	conn, err := n.tr.Dial(ctx, addr)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	start := time.Now()
	err = conn.Send(ctx, protocol.Frame{Type: protocol.MessageTypeData, Src: n.cfg.Node, Port: n.cfg.Port, Payload: wire})
	if err != nil {
		return 0, nil, err
	}
	f, err := conn.Read(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrNoReply, err)
	}
	rtt := time.Since(start)
	_ = conn.Send(ctx, protocol.Frame{Type: protocol.MessageTypeClose, Src: n.cfg.Node})

	if f.Type != protocol.MessageTypeData || f.Src != cfg.Node {
		return rtt, nil, fmt.Errorf("%w: %s frame from node %d", ErrUnexpectedReply, f.Type, f.Src)
	}
	plaintext, err := n.proto.Decrypt(peer, f.Payload)
	if err != nil {
		return rtt, nil, err
	}
	reply, err := payload.Decode(plaintext)
	if err != nil {
		return rtt, nil, err
	}
	return rtt, reply, nil
}
