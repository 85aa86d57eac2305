package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/boxlink/boxlink/protocol"
	"github.com/TheusHen/boxlink/boxlink/transport"
)

func TestDialAcceptExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nw := NewNetwork()
	ln, err := nw.Listen("")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		f, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		f.Src = 9
		errCh <- conn.Send(ctx, f)
	}()

	conn, err := nw.Dial(ctx, ln.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := conn.Send(ctx, protocol.Frame{Type: protocol.MessageTypeData, Src: 1, Port: 20, Payload: []byte("hi")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Src != 9 || string(f.Payload) != "hi" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestListenDialErrors(t *testing.T) {
	nw := NewNetwork()
	ln, err := nw.Listen("node-a")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := nw.Listen("node-a"); err == nil {
		t.Fatalf("expected address in use")
	}
	ln.Close()
	if _, err := nw.Dial(context.Background(), "node-a"); err == nil {
		t.Fatalf("expected dial to closed listener to fail")
	}
	if _, err := ln.Accept(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadHonoursContext(t *testing.T) {
	nw := NewNetwork()
	ln, _ := nw.Listen("")
	defer ln.Close()

	go func() {
		conn, err := ln.Accept(context.Background())
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	conn, err := nw.Dial(context.Background(), ln.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
