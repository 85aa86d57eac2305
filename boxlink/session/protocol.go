// Package session runs the per-call envelope state machine on top of a
// keystore: outbound payloads are padded, sealed and framed with their nonce;
// inbound envelopes are restored, opened and only then handed to the
// application.
//
//	Encrypt:       key+counter+direction → nonce → pad → seal → wire
//	Decrypt:       scratch → extract nonce → restore pad → open → strip
//	HandleInbound: Decrypt → privilege → replay (optional) → handler → Encrypt
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tryfix/log"

	"github.com/TheusHen/boxlink/boxlink/envelope"
	"github.com/TheusHen/boxlink/boxlink/keystore"
	"github.com/TheusHen/boxlink/boxlink/logging"
	"github.com/TheusHen/boxlink/boxlink/nonce"
	"github.com/TheusHen/boxlink/boxlink/replay"
)

var (
	ErrEncryptFailed = errors.New("session: encrypt failed")
	ErrReplayed      = errors.New("session: replayed envelope")
	ErrUntrusted     = errors.New("session: peer lacks required privilege")
)

// Handler receives authenticated plaintext from a peer slot. A non-nil reply
// is sealed and sent back to the same peer. An error rejects the payload: it
// is counted and logged instead of delivered.
type Handler func(peer int, payload []byte) ([]byte, error)

type Options struct {
	// Codec lays out nonces. The zero value means nonce.Compact.
	Codec nonce.Codec
	// Allocator backs pad and scratch buffers. Nil means envelope.Heap.
	Allocator envelope.Allocator
	Handler   Handler
	// RequiredPrivilege is checked by HandleInbound after authentication.
	RequiredPrivilege keystore.Privilege
	// ReplayWindow enables per-peer duplicate rejection in HandleInbound.
	ReplayWindow bool
	Logger       log.Logger
}

// Protocol is safe for concurrent use.
type Protocol struct {
	keys   *keystore.Store
	codec  nonce.Codec
	env    *envelope.Codec
	opts   Options
	logger log.Logger
	stats  *Stats

	mu      sync.Mutex
	windows map[int]*peerWindow
}

type peerWindow struct {
	generation uint64
	window     replay.Window
}

func New(keys *keystore.Store, opts Options) *Protocol {
	codec := opts.Codec
	if codec.IsZero() {
		codec = nonce.Compact
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Quiet()
	}
	return &Protocol{
		keys:    keys,
		codec:   codec,
		env:     envelope.NewCodec(keys.Primitive(), opts.Allocator),
		opts:    opts,
		logger:  logger,
		stats:   &Stats{},
		windows: make(map[int]*peerWindow),
	}
}

// Stats returns the live counters of this protocol instance.
func (p *Protocol) Stats() *Stats { return p.stats }

// Codec returns the nonce codec in use.
func (p *Protocol) Codec() nonce.Codec { return p.codec }

// Encrypt seals payload for peer and returns a wire envelope of
// len(payload)+envelope.Overhead() bytes. A counter value is consumed as soon
// as it is allocated, so a failure later in the pipeline never frees it for
// reuse.
func (p *Protocol) Encrypt(peer int, payload []byte) ([]byte, error) {
	snd, err := p.keys.NextSend(peer, p.codec.MaxCounter())
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNonceExhausted):
			p.stats.nonceFailures.Add(1)
		case errors.Is(err, keystore.ErrUnknownPeer):
			p.stats.unknownPeer.Add(1)
		}
		return nil, fmt.Errorf("%w: %w", ErrEncryptFailed, err)
	}
	n, err := p.codec.BuildDirected(snd.Counter, snd.Direction)
	if err != nil {
		p.stats.nonceFailures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrEncryptFailed, err)
	}
	key := snd.Key

	buf, err := p.env.PrepareForEncrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: pad: %w", ErrEncryptFailed, err)
	}
	defer p.env.Release(buf)

	wire, err := p.env.SealInPlace(buf, &n, &key)
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %w", ErrEncryptFailed, err)
	}
	p.stats.sealed.Add(1)
	// wire may alias buf, which goes back to the allocator.
	return append([]byte(nil), wire...), nil
}

// Decrypt authenticates and opens wire for peer. The caller's buffer is never
// modified. Decrypt does not reject replays: the same envelope opens every
// time it is presented.
func (p *Protocol) Decrypt(peer int, wire []byte) ([]byte, error) {
	payload, _, err := p.decrypt(peer, wire)
	return payload, err
}

func (p *Protocol) decrypt(peer int, wire []byte) ([]byte, uint64, error) {
	key, err := p.keys.SharedSecret(peer)
	if err != nil {
		p.stats.unknownPeer.Add(1)
		return nil, 0, err
	}
	if len(wire) < envelope.MinEnvelope {
		p.stats.malformed.Add(1)
		return nil, 0, fmt.Errorf("%w: %d bytes", envelope.ErrMalformedEnvelope, len(wire))
	}

	buf, err := p.env.Scratch(wire)
	if err != nil {
		return nil, 0, err
	}
	defer p.env.Release(buf)

	n, zeroed, err := p.env.PrepareForDecrypt(buf)
	if err != nil {
		p.stats.malformed.Add(1)
		return nil, 0, err
	}
	counter, err := p.codec.ExtractCounter(n[:])
	if err != nil {
		p.stats.malformed.Add(1)
		return nil, 0, fmt.Errorf("%w: %w", envelope.ErrMalformedEnvelope, err)
	}
	opened, err := p.env.OpenInPlace(zeroed, &n, &key)
	if err != nil {
		if errors.Is(err, envelope.ErrAuthentication) {
			p.stats.authFailures.Add(1)
		} else {
			p.stats.malformed.Add(1)
		}
		return nil, 0, err
	}
	return append([]byte{}, opened...), counter, nil
}

// HandleInbound is the inbound callback: it delivers authenticated plaintext
// to the handler and returns the sealed reply, if any. Failures are logged and
// counted and produce no reply.
func (p *Protocol) HandleInbound(peer int, wire []byte) []byte {
	payload, counter, err := p.decrypt(peer, wire)
	if err != nil {
		p.logger.Warn(fmt.Sprintf(`dropping envelope from slot %d - %v`, peer, err))
		return nil
	}
	trusted, err := p.keys.Trusted(peer, p.opts.RequiredPrivilege)
	if err != nil {
		// rekeyed or removed since decrypt
		p.stats.unknownPeer.Add(1)
		p.logger.Warn(fmt.Sprintf(`dropping envelope from slot %d - %v`, peer, err))
		return nil
	}
	if !trusted {
		p.stats.untrusted.Add(1)
		p.logger.Warn(fmt.Sprintf(`dropping envelope from slot %d - %v`, peer, ErrUntrusted))
		return nil
	}
	if p.opts.ReplayWindow && !p.accept(peer, counter) {
		p.stats.nonceFailures.Add(1)
		p.logger.Warn(fmt.Sprintf(`dropping envelope from slot %d - %v (counter %d)`, peer, ErrReplayed, counter))
		return nil
	}

	if p.opts.Handler == nil {
		p.stats.delivered.Add(1)
		return nil
	}
	reply, err := p.opts.Handler(peer, payload)
	if err != nil {
		p.stats.rejected.Add(1)
		p.logger.Warn(fmt.Sprintf(`handler rejected payload from slot %d - %v`, peer, err))
		return nil
	}
	p.stats.delivered.Add(1)
	if reply == nil {
		return nil
	}
	out, err := p.Encrypt(peer, reply)
	if err != nil {
		p.logger.Error(fmt.Sprintf(`sealing reply for slot %d failed - %v`, peer, err))
		return nil
	}
	return out
}

// accept runs the replay window of peer, starting a fresh window whenever the
// slot has been rekeyed.
func (p *Protocol) accept(peer int, counter uint64) bool {
	gen, err := p.keys.Generation(peer)
	if err != nil {
		return false
	}
	p.mu.Lock()
	w, ok := p.windows[peer]
	if !ok || w.generation != gen {
		w = &peerWindow{generation: gen}
		p.windows[peer] = w
	}
	p.mu.Unlock()
	return w.window.Check(counter)
}
