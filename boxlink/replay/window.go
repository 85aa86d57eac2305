// Package replay implements the RFC 6479 sliding window used to reject
// envelopes whose counter has already been accepted from a peer.
package replay

import "sync"

const (
	blockBits = 64
	// total bits tracked, must be a power of two
	totalBits = 1024
	numBlocks = totalBits / blockBits

	// WindowSize is how far below the highest accepted counter a late
	// envelope may still arrive.
	WindowSize = uint64(totalBits - blockBits)
)

// Window is safe for concurrent use. The zero value is ready.
type Window struct {
	mu      sync.Mutex
	seen    bool
	highest uint64
	blocks  [numBlocks]uint64
}

// Reset forgets every counter, e.g. after the peer was rekeyed.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = false
	w.highest = 0
	w.blocks = [numBlocks]uint64{}
}

// Check records counter and reports whether it was fresh: inside the window
// and not accepted before.
func (w *Window) Check(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen && w.highest > WindowSize && counter < w.highest-WindowSize {
		return false
	}

	block := counter / blockBits
	if !w.seen || counter > w.highest {
		top := w.highest / blockBits
		if !w.seen {
			top = block
			w.blocks = [numBlocks]uint64{}
		}
		advance := block - top
		if advance > numBlocks {
			advance = numBlocks
		}
		for i := uint64(1); i <= advance; i++ {
			w.blocks[(top+i)%numBlocks] = 0
		}
		w.highest = counter
		w.seen = true
	}

	idx := block % numBlocks
	bit := uint64(1) << (counter % blockBits)
	old := w.blocks[idx]
	w.blocks[idx] = old | bit
	return old&bit == 0
}
