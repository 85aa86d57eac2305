// Package keystore holds a node's long-term box keypair and a fixed-size
// table of peer slots with their precomputed shared keys and send counters.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/TheusHen/boxlink/boxlink/box"
)

// DefaultSlots is the peer table size of an embedded node.
const DefaultSlots = 8

var (
	ErrUnknownPeer    = errors.New("keystore: unknown or unusable peer slot")
	ErrKeyDerivation  = errors.New("keystore: shared key derivation failed")
	ErrNonceExhausted = errors.New("keystore: send counter exhausted, peer must be rekeyed")
	ErrNotInitialized = errors.New("keystore: local keypair not set")
	ErrDuplicateNode  = errors.New("keystore: node id assigned to more than one slot")
)

// Privilege is a coarse authorization level checked after authentication.
type Privilege uint8

const (
	PrivilegeNone Privilege = iota
	PrivilegeUser
	PrivilegeOperator
	PrivilegeAdmin
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeNone:
		return "none"
	case PrivilegeUser:
		return "user"
	case PrivilegeOperator:
		return "operator"
	case PrivilegeAdmin:
		return "admin"
	default:
		return fmt.Sprintf("privilege(%d)", uint8(p))
	}
}

// PeerConfig describes one slot. A zero PublicKey leaves the slot unconfigured.
type PeerConfig struct {
	Node      uint8
	PublicKey box.PublicKey
	Privilege Privilege
	Addr      string
}

type Options struct {
	// Slots is the table size. Zero means DefaultSlots.
	Slots int
	// MaxCounter is the last counter value handed out per shared key.
	// Zero means the full uint64 range.
	MaxCounter uint64
}

type slot struct {
	mu         sync.Mutex
	cfg        PeerConfig
	shared     box.SharedKey
	dir        byte
	usable     bool
	err        error
	next       uint64
	exhausted  bool
	generation uint64
}

// Store is safe for concurrent use. Counter allocation locks only the slot
// involved, so senders to different peers never contend.
type Store struct {
	prim       box.Primitive
	maxCounter uint64

	mu    sync.RWMutex
	local box.KeyPair
	ready bool

	slots []*slot
}

func New(p box.Primitive, opts Options) *Store {
	n := opts.Slots
	if n <= 0 {
		n = DefaultSlots
	}
	limit := opts.MaxCounter
	if limit == 0 {
		limit = ^uint64(0)
	}
	s := &Store{prim: p, maxCounter: limit, slots: make([]*slot, n)}
	for i := range s.slots {
		s.slots[i] = &slot{}
	}
	return s
}

// Primitive returns the primitive used for key derivation.
func (s *Store) Primitive() box.Primitive { return s.prim }

// Len returns the number of slots.
func (s *Store) Len() int { return len(s.slots) }

// MaxCounter returns the counter limit per shared key.
func (s *Store) MaxCounter() uint64 { return s.maxCounter }

// Initialize installs the local keypair and derives the shared key of every
// configured slot. Slots whose derivation fails are left unusable and their
// errors are joined into the result; the remaining slots are ready.
func (s *Store) Initialize(local box.KeyPair, peers []PeerConfig) error {
	if len(peers) > len(s.slots) {
		return fmt.Errorf("keystore: %d peers do not fit %d slots", len(peers), len(s.slots))
	}
	if err := checkNodes(peers); err != nil {
		return err
	}

	s.mu.Lock()
	s.local = local
	s.ready = true
	s.mu.Unlock()

	var errs []error
	for i := range s.slots {
		var cfg PeerConfig
		if i < len(peers) {
			cfg = peers[i]
		}
		if err := s.install(i, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetPeer reconfigures one slot. The send counter restarts only when the
// shared key actually changes.
func (s *Store) SetPeer(i int, cfg PeerConfig) error {
	if i < 0 || i >= len(s.slots) {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	if !ready {
		return ErrNotInitialized
	}
	if !cfg.PublicKey.IsZero() {
		if j, err := s.Lookup(cfg.Node); err == nil && j != i {
			return fmt.Errorf("%w: node %d in slots %d and %d", ErrDuplicateNode, cfg.Node, j, i)
		}
	}
	return s.install(i, cfg)
}

// SetLocal replaces the local keypair and re-derives every slot.
func (s *Store) SetLocal(local box.KeyPair) error {
	s.mu.Lock()
	s.local = local
	s.ready = true
	s.mu.Unlock()

	var errs []error
	for i, sl := range s.slots {
		sl.mu.Lock()
		cfg := sl.cfg
		sl.mu.Unlock()
		if err := s.install(i, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) install(i int, cfg PeerConfig) error {
	s.mu.RLock()
	local := s.local
	s.mu.RUnlock()

	sl := s.slots[i]
	var (
		shared box.SharedKey
		err    error
	)
	if !cfg.PublicKey.IsZero() {
		shared, err = s.prim.Precompute(&local.Secret, &cfg.PublicKey)
		if err != nil {
			err = fmt.Errorf("%w: slot %d: %w", ErrKeyDerivation, i, err)
		}
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	usable := !cfg.PublicKey.IsZero() && err == nil
	if !usable || !sl.usable || shared != sl.shared {
		sl.next = 0
		sl.exhausted = false
		sl.generation++
	}
	sl.cfg = cfg
	sl.shared = shared
	sl.dir = direction(local.Public, cfg.PublicKey)
	sl.usable = usable
	sl.err = err
	return err
}

func checkNodes(peers []PeerConfig) error {
	seen := make(map[uint8]int, len(peers))
	for i, p := range peers {
		if p.PublicKey.IsZero() {
			continue
		}
		if j, ok := seen[p.Node]; ok {
			return fmt.Errorf("%w: node %d in slots %d and %d", ErrDuplicateNode, p.Node, j, i)
		}
		seen[p.Node] = i
	}
	return nil
}

func (s *Store) slot(i int) (*slot, error) {
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	return s.slots[i], nil
}

// Send is one outbound allocation: the shared key, counter and nonce
// direction of a slot, all taken under the same lock.
type Send struct {
	Key       box.SharedKey
	Counter   uint64
	Direction byte
}

// NextCounter hands out the slot's current counter and advances it. Every
// value up to MaxCounter is returned exactly once per shared key; after that
// the slot fails with ErrNonceExhausted until it is rekeyed.
func (s *Store) NextCounter(i int) (uint64, error) {
	snd, err := s.NextSend(i, s.maxCounter)
	return snd.Counter, err
}

// NextSend allocates the next counter of slot i together with the key and
// direction it belongs to, so a concurrent rekey can never pair a counter
// with the wrong key. limit caps the counter below MaxCounter, e.g. for a
// narrow nonce layout; a slot at its limit fails with ErrNonceExhausted and
// its counter stays put.
func (s *Store) NextSend(i int, limit uint64) (Send, error) {
	sl, err := s.slot(i)
	if err != nil {
		return Send{}, err
	}
	limit = min(limit, s.maxCounter)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return Send{}, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	if sl.exhausted || sl.next > limit {
		return Send{}, fmt.Errorf("%w: slot %d", ErrNonceExhausted, i)
	}
	v := sl.next
	if v >= s.maxCounter {
		sl.exhausted = true
	} else {
		sl.next++
	}
	return Send{Key: sl.shared, Counter: v, Direction: sl.dir}, nil
}

// Counter returns the next value NextCounter will hand out for slot i.
func (s *Store) Counter(i int) (uint64, error) {
	sl, err := s.slot(i)
	if err != nil {
		return 0, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return 0, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	if sl.exhausted {
		return 0, fmt.Errorf("%w: slot %d", ErrNonceExhausted, i)
	}
	return sl.next, nil
}

// Resume moves slot i's counter forward to next, e.g. after a restart. The
// counter never moves backwards; a next beyond MaxCounter exhausts the slot.
func (s *Store) Resume(i int, next uint64) error {
	sl, err := s.slot(i)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	if next > s.maxCounter {
		sl.exhausted = true
		return nil
	}
	if next > sl.next {
		sl.next = next
	}
	return nil
}

// SharedSecret returns the precomputed shared key of slot i.
func (s *Store) SharedSecret(i int) (box.SharedKey, error) {
	sl, err := s.slot(i)
	if err != nil {
		return box.SharedKey{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return box.SharedKey{}, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	return sl.shared, nil
}

// IsTrusted reports whether slot i is usable with at least the required
// privilege. Unknown slots are never trusted.
func (s *Store) IsTrusted(i int, required Privilege) bool {
	ok, err := s.Trusted(i, required)
	return err == nil && ok
}

// Trusted is IsTrusted with the reason: an out-of-range or unusable slot
// returns ErrUnknownPeer, a usable slot below required returns false.
func (s *Store) Trusted(i int, required Privilege) (bool, error) {
	sl, err := s.slot(i)
	if err != nil {
		return false, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return false, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	return sl.cfg.Privilege >= required, nil
}

// Peer returns the configuration of a usable slot.
func (s *Store) Peer(i int) (PeerConfig, error) {
	sl, err := s.slot(i)
	if err != nil {
		return PeerConfig{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return PeerConfig{}, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	return sl.cfg, nil
}

// SlotError returns the derivation error recorded for slot i, if any.
func (s *Store) SlotError(i int) error {
	sl, err := s.slot(i)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.err
}

// Generation changes every time the slot's shared key is replaced.
func (s *Store) Generation(i int) (uint64, error) {
	sl, err := s.slot(i)
	if err != nil {
		return 0, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.generation, nil
}

// Lookup maps a transport node id to its slot.
func (s *Store) Lookup(node uint8) (int, error) {
	for i, sl := range s.slots {
		sl.mu.Lock()
		match := sl.usable && sl.cfg.Node == node
		sl.mu.Unlock()
		if match {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: node %d", ErrUnknownPeer, node)
}

// Direction returns the nonce direction marker for traffic sent to slot i.
// Both ends derive opposite values from the ordering of their public keys.
func (s *Store) Direction(i int) (byte, error) {
	sl, err := s.slot(i)
	if err != nil {
		return 0, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.usable {
		return 0, fmt.Errorf("%w: slot %d", ErrUnknownPeer, i)
	}
	return sl.dir, nil
}

func direction(local, peer box.PublicKey) byte {
	if bytes.Compare(local[:], peer[:]) > 0 {
		return 1
	}
	return 0
}

// LocalPublic returns the local public key.
func (s *Store) LocalPublic() (box.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return box.PublicKey{}, ErrNotInitialized
	}
	return s.local.Public, nil
}
