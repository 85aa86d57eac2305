package box

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24

	// Overhead is the authenticator length added by Seal.
	Overhead = box.Overhead

	// PlaintextPad is crypto_box_ZEROBYTES.
	PlaintextPad = 32
	// CiphertextPad is crypto_box_BOXZEROBYTES.
	CiphertextPad = PlaintextPad - Overhead
)

var (
	ErrKeyProvisioning  = errors.New("box: no usable randomness source for key generation")
	ErrInvalidPublicKey = errors.New("box: invalid X25519 public key")
	ErrShortBuffer      = errors.New("box: buffer shorter than padding")
	ErrBadPadding       = errors.New("box: padding bytes are not zero")
	ErrAuthentication   = errors.New("box: message authentication failed")
)

type (
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
	SharedKey [KeySize]byte
	Nonce     [NonceSize]byte
)

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// Fingerprint returns the first 8 bytes of SHA-256(key), hex encoded.
func (k PublicKey) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:8])
}

// KeyPair is a long-term Curve25519 box keypair.
type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// String never includes the secret half.
func (kp KeyPair) String() string {
	return "KeyPair(" + kp.Public.Fingerprint() + ")"
}

// Primitive is the public-key authenticated encryption capability consumed by
// the envelope layer.
type Primitive interface {
	GenerateKeyPair() (KeyPair, error)
	Precompute(secret *SecretKey, peer *PublicKey) (SharedKey, error)
	Seal(padded []byte, nonce *Nonce, key *SharedKey) ([]byte, error)
	Open(padded []byte, nonce *Nonce, key *SharedKey) ([]byte, error)
}

// NaCl implements Primitive with XSalsa20-Poly1305 over a Curve25519 shared key.
type NaCl struct {
	// Rand is the randomness source for key generation. Nil means crypto/rand.
	Rand io.Reader
}

var _ Primitive = NaCl{}

func (n NaCl) GenerateKeyPair() (KeyPair, error) {
	r := n.Rand
	if r == nil {
		r = rand.Reader
	}
	pub, sec, err := box.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %w", ErrKeyProvisioning, err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

func (NaCl) Precompute(secret *SecretKey, peer *PublicKey) (SharedKey, error) {
	// X25519 rejects low-order points (all-zero output).
	if _, err := curve25519.X25519(secret[:], peer[:]); err != nil {
		return SharedKey{}, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	var shared [KeySize]byte
	p, s := [KeySize]byte(*peer), [KeySize]byte(*secret)
	box.Precompute(&shared, &p, &s)
	return SharedKey(shared), nil
}

func (NaCl) Seal(padded []byte, nonce *Nonce, key *SharedKey) ([]byte, error) {
	if len(padded) < PlaintextPad {
		return nil, ErrShortBuffer
	}
	if !allZero(padded[:PlaintextPad]) {
		return nil, ErrBadPadding
	}
	n, k := [NonceSize]byte(*nonce), [KeySize]byte(*key)
	out := make([]byte, CiphertextPad, len(padded))
	return box.SealAfterPrecomputation(out, padded[PlaintextPad:], &n, &k), nil
}

func (NaCl) Open(padded []byte, nonce *Nonce, key *SharedKey) ([]byte, error) {
	if len(padded) < PlaintextPad {
		return nil, ErrShortBuffer
	}
	if !allZero(padded[:CiphertextPad]) {
		return nil, ErrBadPadding
	}
	n, k := [NonceSize]byte(*nonce), [KeySize]byte(*key)
	out := make([]byte, PlaintextPad, len(padded))
	out, ok := box.OpenAfterPrecomputation(out, padded[CiphertextPad:], &n, &k)
	if !ok {
		return nil, ErrAuthentication
	}
	return out, nil
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}
