// Package nonce builds the deterministic box nonces used by boxlink.
//
// A nonce is laid out as
//
//	[counter (width bytes, little endian)] [tag bytes] [direction] [zero ...]
//
// Only the first CarrierSize bytes are ever non-zero. Those bytes travel in
// the envelope's leading padding region, so the receiver recovers the nonce
// without knowing the sender's counter width or tag.
package nonce

import (
	"errors"

	"github.com/TheusHen/boxlink/boxlink/box"
)

// CarrierSize is the number of leading nonce bytes carried on the wire.
const CarrierSize = box.CiphertextPad

var (
	ErrInvalidCodec = errors.New("nonce: counter width and tag do not fit the carrier")
	ErrCounterRange = errors.New("nonce: counter exceeds encodable range")
	ErrShortCarrier = errors.New("nonce: carrier too short")
)

// DefaultTag is the fixed tag used by embedded nodes.
var DefaultTag = []byte{0x0a, 0x64}

var (
	// Compact stores an 8-bit counter: 256 sends per shared key.
	Compact = mustCodec(1, DefaultTag)
	// Wide stores a 64-bit counter.
	Wide = mustCodec(8, DefaultTag)
)

// Codec is immutable and safe for concurrent use.
type Codec struct {
	width int
	tag   []byte
}

// NewCodec returns a codec with a width-byte counter followed by tag.
// One byte after the tag is reserved for the direction marker.
func NewCodec(width int, tag []byte) (Codec, error) {
	if width < 1 || width > 8 || width+len(tag)+1 > CarrierSize {
		return Codec{}, ErrInvalidCodec
	}
	return Codec{width: width, tag: append([]byte(nil), tag...)}, nil
}

func mustCodec(width int, tag []byte) Codec {
	c, err := NewCodec(width, tag)
	if err != nil {
		panic(err)
	}
	return c
}

// IsZero reports whether c is the zero Codec.
func (c Codec) IsZero() bool { return c.width == 0 }

func (c Codec) Width() int { return c.width }

// Tag returns a copy of the tag bytes.
func (c Codec) Tag() []byte { return append([]byte(nil), c.tag...) }

// MaxCounter is the largest counter value the codec can encode.
func (c Codec) MaxCounter() uint64 {
	if c.width >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(c.width)) - 1
}

// Build returns [counter, tag..., 0, ...]. Counters that do not fit the
// width are rejected rather than truncated.
func (c Codec) Build(counter uint64) (box.Nonce, error) {
	return c.BuildDirected(counter, 0)
}

// BuildDirected is Build with the direction byte set to dir. Two nodes sharing
// a symmetric key pick different dir values so their counters never collide.
func (c Codec) BuildDirected(counter uint64, dir byte) (box.Nonce, error) {
	var n box.Nonce
	if counter > c.MaxCounter() {
		return n, ErrCounterRange
	}
	for i := 0; i < c.width; i++ {
		n[i] = byte(counter >> (8 * uint(i)))
	}
	copy(n[c.width:], c.tag)
	n[c.width+len(c.tag)] = dir
	return n, nil
}

// ExtractCounter decodes the counter from the leading bytes of a nonce or
// a wire carrier.
func (c Codec) ExtractCounter(b []byte) (uint64, error) {
	if len(b) < c.width {
		return 0, ErrShortCarrier
	}
	var v uint64
	for i := 0; i < c.width; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v, nil
}

// FromCarrier rebuilds the full nonce from the CarrierSize leading bytes of
// an envelope. The remaining nonce bytes are zero by construction.
func FromCarrier(b []byte) (box.Nonce, error) {
	var n box.Nonce
	if len(b) < CarrierSize {
		return n, ErrShortCarrier
	}
	copy(n[:], b[:CarrierSize])
	return n, nil
}
