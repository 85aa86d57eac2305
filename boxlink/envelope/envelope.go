// Package envelope owns the byte layout of boxlink envelopes.
//
// Plaintext buffer (before seal, after open):
//
//	0                32
//	| zero (32)      | payload (n) |
//
// Wire envelope (after seal, before open):
//
//	0            16               32
//	| carrier    | authenticator  | ciphertext (n) |
//
// The seal output starts with 16 zero bytes. Those bytes are replaced by the
// nonce carrier, so the nonce travels without growing the frame, and are
// zeroed again before open.
package envelope

import (
	"errors"

	"github.com/TheusHen/boxlink/boxlink/box"
	"github.com/TheusHen/boxlink/boxlink/nonce"
)

const (
	PlaintextPad  = box.PlaintextPad
	CiphertextPad = box.CiphertextPad
	// MinEnvelope is the size of an envelope carrying an empty payload.
	MinEnvelope = PlaintextPad
)

var (
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
	ErrAuthentication    = box.ErrAuthentication
)

// Overhead returns the number of bytes an envelope adds to a payload.
func Overhead() int { return PlaintextPad }

// Codec performs the padding dance around a box.Primitive.
type Codec struct {
	prim  box.Primitive
	alloc Allocator
}

// NewCodec returns a codec. A nil allocator means Heap.
func NewCodec(p box.Primitive, alloc Allocator) *Codec {
	if alloc == nil {
		alloc = Heap{}
	}
	return &Codec{prim: p, alloc: alloc}
}

// Allocator returns the allocator backing scratch buffers.
func (c *Codec) Allocator() Allocator { return c.alloc }

// PrepareForEncrypt returns a buffer of len(payload)+PlaintextPad holding
// PlaintextPad zero bytes followed by payload. The caller owns it and must
// hand it back with Release.
func (c *Codec) PrepareForEncrypt(payload []byte) ([]byte, error) {
	buf, err := c.alloc.Get(len(payload) + PlaintextPad)
	if err != nil {
		return nil, err
	}
	clear(buf[:PlaintextPad])
	copy(buf[PlaintextPad:], payload)
	return buf, nil
}

// SealInPlace seals a prepared buffer and writes the nonce carrier over the
// leading CiphertextPad bytes of the result. The returned wire buffer has the
// same length as prepared and is owned by the caller.
func (c *Codec) SealInPlace(prepared []byte, n *box.Nonce, key *box.SharedKey) ([]byte, error) {
	wire, err := c.prim.Seal(prepared, n, key)
	if err != nil {
		return nil, err
	}
	if len(wire) != len(prepared) {
		return nil, ErrMalformedEnvelope
	}
	copy(wire[:CiphertextPad], n[:CiphertextPad])
	return wire, nil
}

// PrepareForDecrypt recovers the nonce from the carrier and zeroes the
// carrier in place, restoring the padding Open requires. Envelopes shorter
// than MinEnvelope are rejected before any cryptographic work.
func (c *Codec) PrepareForDecrypt(wire []byte) (box.Nonce, []byte, error) {
	if len(wire) < MinEnvelope {
		return box.Nonce{}, nil, ErrMalformedEnvelope
	}
	n, err := nonce.FromCarrier(wire)
	if err != nil {
		return box.Nonce{}, nil, ErrMalformedEnvelope
	}
	clear(wire[:CiphertextPad])
	return n, wire, nil
}

// OpenInPlace authenticates and decrypts a zeroed envelope and returns the
// payload with its padding stripped. On failure the input buffer is wiped and
// nothing from it may be used.
func (c *Codec) OpenInPlace(zeroed []byte, n *box.Nonce, key *box.SharedKey) ([]byte, error) {
	opened, err := c.prim.Open(zeroed, n, key)
	if err != nil {
		clear(zeroed)
		if errors.Is(err, box.ErrAuthentication) {
			return nil, ErrAuthentication
		}
		return nil, err
	}
	if len(opened) < PlaintextPad {
		clear(opened)
		return nil, ErrMalformedEnvelope
	}
	return opened[PlaintextPad:], nil
}

// Scratch copies wire into an allocator buffer so decryption can work in
// place without touching the caller's bytes.
func (c *Codec) Scratch(wire []byte) ([]byte, error) {
	buf, err := c.alloc.Get(len(wire))
	if err != nil {
		return nil, err
	}
	copy(buf, wire)
	return buf, nil
}

// Release returns a buffer obtained from PrepareForEncrypt or Scratch.
func (c *Codec) Release(buf []byte) {
	if buf != nil {
		c.alloc.Put(buf)
	}
}
