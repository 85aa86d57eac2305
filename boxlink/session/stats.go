package session

import "sync/atomic"

// Stats counts protocol outcomes. Counters only grow.
type Stats struct {
	authFailures  atomic.Uint64
	nonceFailures atomic.Uint64
	malformed     atomic.Uint64
	unknownPeer   atomic.Uint64
	untrusted     atomic.Uint64
	sealed        atomic.Uint64
	delivered     atomic.Uint64
	rejected      atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	AuthFailures  uint64 `json:"auth_failures"`
	NonceFailures uint64 `json:"nonce_failures"`
	Malformed     uint64 `json:"malformed"`
	UnknownPeer   uint64 `json:"unknown_peer"`
	Untrusted     uint64 `json:"untrusted"`
	Sealed        uint64 `json:"sealed"`
	Delivered     uint64 `json:"delivered"`
	Rejected      uint64 `json:"rejected"`
}

func (s *Stats) AuthFailures() uint64  { return s.authFailures.Load() }
func (s *Stats) NonceFailures() uint64 { return s.nonceFailures.Load() }
func (s *Stats) Malformed() uint64     { return s.malformed.Load() }
func (s *Stats) UnknownPeer() uint64   { return s.unknownPeer.Load() }
func (s *Stats) Untrusted() uint64     { return s.untrusted.Load() }
func (s *Stats) Sealed() uint64        { return s.sealed.Load() }
func (s *Stats) Delivered() uint64     { return s.delivered.Load() }
func (s *Stats) Rejected() uint64      { return s.rejected.Load() }

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		AuthFailures:  s.AuthFailures(),
		NonceFailures: s.NonceFailures(),
		Malformed:     s.Malformed(),
		UnknownPeer:   s.UnknownPeer(),
		Untrusted:     s.Untrusted(),
		Sealed:        s.Sealed(),
		Delivered:     s.Delivered(),
		Rejected:      s.Rejected(),
	}
}
