package envelope

import (
	"errors"
	"sync/atomic"
)

var (
	ErrBufferExhausted = errors.New("envelope: no free buffer")
	ErrBufferTooLarge  = errors.New("envelope: requested buffer exceeds pool buffer size")
)

// Allocator hands out scratch buffers. Every buffer obtained from Get must be
// returned with Put on every path, including failures.
type Allocator interface {
	Get(n int) ([]byte, error)
	Put(b []byte)
}

// Heap allocates from the Go heap and never runs dry.
type Heap struct{}

func (Heap) Get(n int) ([]byte, error) { return make([]byte, n), nil }
func (Heap) Put([]byte)                {}

// Pool is a fixed set of equally sized buffers, like a transport buffer pool
// on an embedded node. Get fails with ErrBufferExhausted rather than growing.
type Pool struct {
	size  int
	ch    chan []byte
	inUse atomic.Int64
}

// NewPool preallocates count buffers of size bytes.
func NewPool(size, count int) *Pool {
	p := &Pool{size: size, ch: make(chan []byte, count)}
	for i := 0; i < count; i++ {
		p.ch <- make([]byte, size)
	}
	return p
}

func (p *Pool) Get(n int) ([]byte, error) {
	if n > p.size {
		return nil, ErrBufferTooLarge
	}
	select {
	case b := <-p.ch:
		p.inUse.Add(1)
		return b[:n], nil
	default:
		return nil, ErrBufferExhausted
	}
}

// Put zeroes b before making it available again. Foreign buffers are dropped.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:cap(b)]
	clear(b)
	select {
	case p.ch <- b:
		p.inUse.Add(-1)
	default:
	}
}

// InUse reports how many buffers are currently checked out.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Free reports how many buffers are available.
func (p *Pool) Free() int { return len(p.ch) }
