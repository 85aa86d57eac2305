package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/TheusHen/boxlink/boxlink/box"
)

func newPair(t *testing.T) box.KeyPair {
	t.Helper()
	kp, err := box.NaCl{}.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func TestInitializeDerivesSharedKeys(t *testing.T) {
	local, a, b := newPair(t), newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{})
	if s.Len() != DefaultSlots {
		t.Fatalf("Len = %d", s.Len())
	}
	err := s.Initialize(local, []PeerConfig{
		{Node: 2, PublicKey: a.Public, Privilege: PrivilegeUser},
		{Node: 3, PublicKey: b.Public},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, err := s.SharedSecret(0)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	want, _ := box.NaCl{}.Precompute(&a.Secret, &local.Public)
	if got != want {
		t.Fatalf("shared key does not match the peer's derivation")
	}

	if _, err := s.SharedSecret(2); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unconfigured slot: expected ErrUnknownPeer, got %v", err)
	}
	if _, err := s.SharedSecret(DefaultSlots); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("out of range: expected ErrUnknownPeer, got %v", err)
	}
	if _, err := s.SharedSecret(-1); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("negative index: expected ErrUnknownPeer, got %v", err)
	}

	idx, err := s.Lookup(3)
	if err != nil || idx != 1 {
		t.Fatalf("Lookup(3) = %d, %v", idx, err)
	}
	if _, err := s.Lookup(9); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Lookup(9): expected ErrUnknownPeer, got %v", err)
	}
}

func TestDerivationFailureIsolatesSlot(t *testing.T) {
	local, good := newPair(t), newPair(t)
	var lowOrder box.PublicKey
	lowOrder[0] = 1 // the identity point

	s := New(box.NaCl{}, Options{Slots: 3})
	err := s.Initialize(local, []PeerConfig{
		{Node: 1, PublicKey: lowOrder},
		{Node: 2, PublicKey: good.Public},
	})
	if !errors.Is(err, ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation, got %v", err)
	}
	if !errors.Is(s.SlotError(0), box.ErrInvalidPublicKey) {
		t.Fatalf("slot 0 error = %v", s.SlotError(0))
	}
	if _, err := s.NextCounter(0); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("failed slot must be unusable, got %v", err)
	}
	if _, err := s.NextCounter(1); err != nil {
		t.Fatalf("healthy slot: %v", err)
	}
}

func TestNextCounterExhaustion(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 1, MaxCounter: 255})
	if err := s.Initialize(local, []PeerConfig{{PublicKey: peer.Public}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for want := uint64(0); want <= 255; want++ {
		got, err := s.NextCounter(0)
		if err != nil {
			t.Fatalf("NextCounter #%d: %v", want, err)
		}
		if got != want {
			t.Fatalf("NextCounter = %d, want %d", got, want)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := s.NextCounter(0); !errors.Is(err, ErrNonceExhausted) {
			t.Fatalf("expected ErrNonceExhausted, got %v", err)
		}
	}

	// Rekeying with a new peer key starts a fresh counter space.
	gen0, _ := s.Generation(0)
	fresh := newPair(t)
	if err := s.SetPeer(0, PeerConfig{PublicKey: fresh.Public}); err != nil {
		t.Fatalf("SetPeer: %v", err)
	}
	gen1, _ := s.Generation(0)
	if gen1 == gen0 {
		t.Fatalf("generation did not change on rekey")
	}
	if v, err := s.NextCounter(0); err != nil || v != 0 {
		t.Fatalf("after rekey NextCounter = %d, %v", v, err)
	}
}

func TestSetPeerSameKeyKeepsCounter(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 2})
	cfg := PeerConfig{Node: 4, PublicKey: peer.Public}
	if err := s.Initialize(local, []PeerConfig{cfg}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, _ = s.NextCounter(0)
	_, _ = s.NextCounter(0)

	cfg.Privilege = PrivilegeAdmin
	if err := s.SetPeer(0, cfg); err != nil {
		t.Fatalf("SetPeer: %v", err)
	}
	if v, _ := s.NextCounter(0); v != 2 {
		t.Fatalf("counter restarted for an unchanged shared key: %d", v)
	}
	if !s.IsTrusted(0, PrivilegeAdmin) {
		t.Fatalf("privilege update not applied")
	}

	if err := s.SetPeer(1, PeerConfig{Node: 4, PublicKey: newPair(t).Public}); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestNextCounterConcurrentUnique(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 1})
	if err := s.Initialize(local, []PeerConfig{{PublicKey: peer.Public}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	const workers, each = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool, workers*each)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				v, err := s.NextCounter(0)
				if err != nil {
					t.Errorf("NextCounter: %v", err)
					return
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate counter %d", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers*each {
		t.Fatalf("got %d distinct counters, want %d", len(seen), workers*each)
	}
}

func TestIsTrusted(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 2})
	_ = s.Initialize(local, []PeerConfig{{PublicKey: peer.Public, Privilege: PrivilegeUser}})

	if !s.IsTrusted(0, PrivilegeUser) {
		t.Fatalf("expected user privilege to satisfy user")
	}
	if s.IsTrusted(0, PrivilegeOperator) {
		t.Fatalf("user privilege must not satisfy operator")
	}
	if s.IsTrusted(1, PrivilegeNone) {
		t.Fatalf("unconfigured slot must not be trusted")
	}
	if s.IsTrusted(5, PrivilegeNone) {
		t.Fatalf("out of range slot must not be trusted")
	}

	if ok, err := s.Trusted(0, PrivilegeOperator); err != nil || ok {
		t.Fatalf("Trusted(0, operator) = %v, %v", ok, err)
	}
	for _, i := range []int{1, 5, -1} {
		if _, err := s.Trusted(i, PrivilegeNone); !errors.Is(err, ErrUnknownPeer) {
			t.Fatalf("Trusted(%d): expected ErrUnknownPeer, got %v", i, err)
		}
	}
}

func TestDirectionIsOpposite(t *testing.T) {
	a, b := newPair(t), newPair(t)
	sa := New(box.NaCl{}, Options{Slots: 1})
	sb := New(box.NaCl{}, Options{Slots: 1})
	_ = sa.Initialize(a, []PeerConfig{{PublicKey: b.Public}})
	_ = sb.Initialize(b, []PeerConfig{{PublicKey: a.Public}})

	da, err := sa.Direction(0)
	if err != nil {
		t.Fatalf("Direction: %v", err)
	}
	db, _ := sb.Direction(0)
	if da == db {
		t.Fatalf("both ends picked direction %d", da)
	}
}

func TestFileRoundTrip(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	f := NewFile(1, local)
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public), Privilege: PrivilegeOperator, Addr: "[::1]:4500"})

	path := filepath.Join(t.TempDir(), "node", "keys.json")
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	kp, err := loaded.KeyPair()
	if err != nil {
		t.Fatalf("KeyPair: %v", err)
	}
	if kp != local {
		t.Fatalf("keypair mismatch after round trip")
	}

	s, err := loaded.Open(box.NaCl{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg, err := s.Peer(0)
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if cfg.Node != 2 || cfg.Privilege != PrivilegeOperator || cfg.Addr != "[::1]:4500" {
		t.Fatalf("unexpected peer config %+v", cfg)
	}

	if _, err := DecodeKey("not-base58-0OIl"); !errors.Is(err, ErrInvalidKeyEncoding) {
		t.Fatalf("expected ErrInvalidKeyEncoding, got %v", err)
	}
}

func TestResumeOnlyMovesForward(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 1, MaxCounter: 255})
	_ = s.Initialize(local, []PeerConfig{{PublicKey: peer.Public}})

	if err := s.Resume(0, 40); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := s.Resume(0, 10); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if v, _ := s.NextCounter(0); v != 40 {
		t.Fatalf("NextCounter = %d, want 40", v)
	}
	if err := s.Resume(0, 256); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := s.NextCounter(0); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("expected ErrNonceExhausted, got %v", err)
	}
	if err := s.Resume(3, 1); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestFileReserveAndCheckpoint(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	f := NewFile(1, local)
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public)})

	s, err := f.Open(box.NaCl{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Reserve(s, 16)
	if f.Peers[0].Next != 16 {
		t.Fatalf("reserved Next = %d", f.Peers[0].Next)
	}
	for i := 0; i < 3; i++ {
		_, _ = s.NextCounter(0)
	}
	f.Checkpoint(s)
	if f.Peers[0].Next != 3 {
		t.Fatalf("checkpoint Next = %d", f.Peers[0].Next)
	}

	// a restarted node continues where the file says
	f.Peers[0].Next = 16
	s2, _ := f.Open(box.NaCl{}, Options{})
	if err := f.Resume(s2); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if v, _ := s2.NextCounter(0); v != 16 {
		t.Fatalf("NextCounter after resume = %d", v)
	}

	// replacing the peer key drops its saved counter
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(newPair(t).Public)})
	if f.Peers[0].Next != 0 {
		t.Fatalf("Next survived a key change")
	}
}

func TestNextSendStopsAtLimit(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	s := New(box.NaCl{}, Options{Slots: 1})
	_ = s.Initialize(local, []PeerConfig{{PublicKey: peer.Public}})

	key, _ := s.SharedSecret(0)
	dir, _ := s.Direction(0)
	for want := uint64(0); want <= 3; want++ {
		snd, err := s.NextSend(0, 3)
		if err != nil {
			t.Fatalf("NextSend #%d: %v", want, err)
		}
		if snd.Counter != want || snd.Key != key || snd.Direction != dir {
			t.Fatalf("NextSend #%d = counter %d, dir %d", want, snd.Counter, snd.Direction)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := s.NextSend(0, 3); !errors.Is(err, ErrNonceExhausted) {
			t.Fatalf("expected ErrNonceExhausted, got %v", err)
		}
	}
	// refusals do not move the counter
	if v, err := s.Counter(0); err != nil || v != 4 {
		t.Fatalf("Counter = %d, %v, want 4", v, err)
	}
	// a wider limit picks up where the narrow one stopped
	if snd, err := s.NextSend(0, 10); err != nil || snd.Counter != 4 {
		t.Fatalf("NextSend(10) = %d, %v", snd.Counter, err)
	}
}

func TestNextSendFollowsRekey(t *testing.T) {
	prim := box.NaCl{}
	peer := newPair(t)
	locals := []box.KeyPair{newPair(t), newPair(t), newPair(t)}
	s := New(prim, Options{Slots: 1})
	_ = s.Initialize(locals[0], []PeerConfig{{PublicKey: peer.Public}})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.SetLocal(locals[i%len(locals)])
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	keys := make([]box.SharedKey, len(locals))
	for i, kp := range locals {
		key, err := prim.Precompute(&kp.Secret, &peer.Public)
		if err != nil {
			t.Fatalf("Precompute: %v", err)
		}
		keys[i] = key
	}

	for i := 0; i < 500; i++ {
		snd, err := s.NextSend(0, ^uint64(0))
		if err != nil {
			t.Fatalf("NextSend: %v", err)
		}
		matched := false
		for j, kp := range locals {
			if keys[j] == snd.Key {
				if snd.Direction != direction(kp.Public, peer.Public) {
					t.Fatalf("direction %d does not belong to the key handed out", snd.Direction)
				}
				matched = true
			}
		}
		if !matched {
			t.Fatalf("NextSend returned a key no local keypair derives")
		}
	}
}

func TestAddPeerSameKeyKeepsNext(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	f := NewFile(1, local)
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public), Privilege: PrivilegeUser})

	s, err := f.Open(box.NaCl{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = s.NextCounter(0)
	}
	f.Checkpoint(s)

	// a privilege change keeps the key and therefore the counter
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public), Privilege: PrivilegeAdmin})
	if f.Peers[0].Next != 5 || f.Peers[0].Privilege != PrivilegeAdmin {
		t.Fatalf("after update: %+v", f.Peers[0])
	}

	s2, err := f.Open(box.NaCl{}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Resume(s2); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if v, _ := s2.NextCounter(0); v != 5 {
		t.Fatalf("NextCounter after update = %d, want 5", v)
	}
}

func TestCheckpointExhaustedSlot(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	f := NewFile(1, local)
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public)})

	s, _ := f.Open(box.NaCl{}, Options{MaxCounter: 2})
	for i := 0; i < 4; i++ {
		_, _ = s.NextCounter(0)
	}
	f.Checkpoint(s)
	if f.Peers[0].Next != 3 {
		t.Fatalf("checkpoint Next = %d, want 3", f.Peers[0].Next)
	}

	s2, _ := f.Open(box.NaCl{}, Options{MaxCounter: 2})
	_ = f.Resume(s2)
	if _, err := s2.NextCounter(0); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("expected ErrNonceExhausted after restart, got %v", err)
	}
}

func TestSaveReplacesFile(t *testing.T) {
	local, peer := newPair(t), newPair(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	f := NewFile(1, local)
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f.AddPeer(FilePeer{Slot: 0, Node: 2, Public: EncodeKey(peer.Public), Next: 7})
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(loaded.Peers) != 1 || loaded.Peers[0].Next != 7 {
		t.Fatalf("unexpected peers %+v", loaded.Peers)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0600 {
		t.Fatalf("mode = %v, want 0600", perm)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "keys.json" {
			t.Fatalf("leftover file %s", e.Name())
		}
	}
}
