// Package payload frames application data above the envelope: one flag byte
// followed by raw or LZ4-compressed bytes. The envelope layer never sees the
// flag; it is part of the authenticated plaintext.
package payload

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01

	// MaxDecoded bounds decompression output.
	MaxDecoded = 64 * 1024
)

var (
	ErrEmpty               = errors.New("payload: missing flag byte")
	ErrUnknownFlag         = errors.New("payload: unknown flag")
	ErrCompressionFailed   = errors.New("payload: compression failed")
	ErrDecompressionFailed = errors.New("payload: decompression failed")
	ErrTooLarge            = errors.New("payload: decoded payload too large")
)

var writerPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var readerPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Encode prefixes data with its flag. With compress set, data is compressed
// only when that actually makes it smaller.
func Encode(data []byte, compress bool) ([]byte, error) {
	if compress && len(data) > 0 {
		c, err := Compress(data)
		if err != nil {
			return nil, err
		}
		if len(c) < len(data) {
			return append([]byte{flagCompressed}, c...), nil
		}
	}
	out := make([]byte, 1+len(data))
	out[0] = flagRaw
	copy(out[1:], data)
	return out, nil
}

// Decode reverses Encode.
func Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	switch b[0] {
	case flagRaw:
		return b[1:], nil
	case flagCompressed:
		return Decompress(b[1:])
	default:
		return nil, ErrUnknownFlag
	}
}

// Compress compresses data as an LZ4 frame using the fast level.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := writerPool.Get().(*lz4.Writer)
	defer writerPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress expands an LZ4 frame, refusing output beyond MaxDecoded.
func Decompress(data []byte) ([]byte, error) {
	r := readerPool.Get().(*lz4.Reader)
	defer readerPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxDecoded+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > MaxDecoded {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}
