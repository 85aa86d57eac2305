package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TheusHen/boxlink/boxlink/box"
	"github.com/btcsuite/btcutil/base58"
)

var ErrInvalidKeyEncoding = errors.New("keystore: key is not a base58 encoded 32-byte value")

// File is the on-disk node configuration: the local keypair plus the peer
// table. Keys are base58 encoded.
type File struct {
	Node   uint8      `json:"node"`
	Public string     `json:"public"`
	Secret string     `json:"secret"`
	Peers  []FilePeer `json:"peers"`
}

type FilePeer struct {
	Slot      int       `json:"slot"`
	Node      uint8     `json:"node"`
	Public    string    `json:"public"`
	Privilege Privilege `json:"privilege"`
	Addr      string    `json:"addr,omitempty"`
	// Next is the first send counter this node may use for the peer.
	Next uint64 `json:"next,omitempty"`
}

// NewFile returns a File for a freshly generated keypair.
func NewFile(node uint8, kp box.KeyPair) *File {
	return &File{
		Node:   node,
		Public: EncodeKey(kp.Public),
		Secret: base58.Encode(kp.Secret[:]),
	}
}

func EncodeKey(k box.PublicKey) string { return base58.Encode(k[:]) }

func DecodeKey(s string) (box.PublicKey, error) {
	var k box.PublicKey
	b := base58.Decode(s)
	if len(b) != box.KeySize {
		return k, ErrInvalidKeyEncoding
	}
	copy(k[:], b)
	return k, nil
}

// KeyPair decodes the local keypair.
func (f *File) KeyPair() (box.KeyPair, error) {
	pub, err := DecodeKey(f.Public)
	if err != nil {
		return box.KeyPair{}, fmt.Errorf("public: %w", err)
	}
	sec := base58.Decode(f.Secret)
	if len(sec) != box.KeySize {
		return box.KeyPair{}, fmt.Errorf("secret: %w", ErrInvalidKeyEncoding)
	}
	kp := box.KeyPair{Public: pub}
	copy(kp.Secret[:], sec)
	return kp, nil
}

// PeerConfigs expands the peer list into a slot-indexed table of size slots.
func (f *File) PeerConfigs(slots int) ([]PeerConfig, error) {
	out := make([]PeerConfig, slots)
	for _, p := range f.Peers {
		if p.Slot < 0 || p.Slot >= slots {
			return nil, fmt.Errorf("%w: slot %d", ErrUnknownPeer, p.Slot)
		}
		pub, err := DecodeKey(p.Public)
		if err != nil {
			return nil, fmt.Errorf("peer slot %d: %w", p.Slot, err)
		}
		out[p.Slot] = PeerConfig{Node: p.Node, PublicKey: pub, Privilege: p.Privilege, Addr: p.Addr}
	}
	return out, nil
}

// AddPeer inserts or replaces the entry for slot. Updating a slot with the
// same public key keeps its saved counter, since the shared key and with it
// the nonce space are unchanged.
func (f *File) AddPeer(p FilePeer) {
	for i := range f.Peers {
		if f.Peers[i].Slot == p.Slot {
			if old := f.Peers[i]; old.Public == p.Public {
				p.Next = max(p.Next, old.Next)
			}
			f.Peers[i] = p
			return
		}
	}
	f.Peers = append(f.Peers, p)
}

// Open builds an initialized Store from the file. A non-nil Store is returned
// alongside per-slot derivation errors so the healthy slots stay usable.
func (f *File) Open(p box.Primitive, opts Options) (*Store, error) {
	kp, err := f.KeyPair()
	if err != nil {
		return nil, err
	}
	s := New(p, opts)
	peers, err := f.PeerConfigs(s.Len())
	if err != nil {
		return nil, err
	}
	return s, s.Initialize(kp, peers)
}

// Resume restores the saved send counters into s.
func (f *File) Resume(s *Store) error {
	var errs []error
	for _, p := range f.Peers {
		if p.Next == 0 || s.SlotError(p.Slot) != nil {
			continue
		}
		if err := s.Resume(p.Slot, p.Next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reserve records counters n values ahead of the current ones, so a process
// that dies before Checkpoint never hands out a saved value twice. Save the
// file before sending.
func (f *File) Reserve(s *Store, n uint64) {
	for i := range f.Peers {
		next, err := s.Counter(f.Peers[i].Slot)
		if errors.Is(err, ErrNonceExhausted) {
			if lim := s.MaxCounter(); lim < ^uint64(0) {
				f.Peers[i].Next = lim + 1
			} else {
				f.Peers[i].Next = lim
			}
			continue
		}
		if err != nil {
			continue
		}
		if next+n < next {
			next = ^uint64(0)
		} else {
			next += n
		}
		f.Peers[i].Next = next
	}
}

// Checkpoint records the current counters of s.
func (f *File) Checkpoint(s *Store) {
	f.Reserve(s, 0)
}

// Save replaces path atomically: the file is written and synced under a
// temporary name in the same directory and then renamed over path, so a crash
// leaves either the old or the new contents.
func (f *File) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	fh, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := fh.Name()
	if err := f.write(fh); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("keystore: writing %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("keystore: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func (f *File) write(fh *os.File) error {
	if err := fh.Chmod(0600); err != nil {
		return err
	}
	enc := json.NewEncoder(fh)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return err
	}
	return fh.Sync()
}

// syncDir persists the rename. Platforms that cannot fsync a directory are
// left to their own durability.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}

func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f := &File{}
	if err := json.NewDecoder(fh).Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}
