package noise

import (
	"sync"
)

// ReplayWindow implements a sliding window for replay protection.
// It uses a bitmap to track received nonces within a window behind the
// highest nonce seen. Nonce 0 is valid.
//
// Checking and marking are separate so a nonce is only consumed once the
// ciphertext it belongs to has authenticated.
type ReplayWindow struct {
	mu         sync.Mutex
	windowSize uint64   // Size of the replay window
	highest    uint64   // Highest nonce seen
	started    bool     // Whether any nonce has been marked
	bitmap     []uint64 // Bit i set means highest-i was seen
}

// NewReplayWindow creates a new replay protection window
func NewReplayWindow(windowSize uint64) *ReplayWindow {
	if windowSize == 0 {
		windowSize = 64
	}

	return &ReplayWindow{
		windowSize: windowSize,
		bitmap:     make([]uint64, (windowSize+63)/64),
	}
}

// Check reports whether nonce would be accepted: newer than anything seen,
// or inside the window and not yet marked
func (rw *ReplayWindow) Check(nonce uint64) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.check(nonce)
}

func (rw *ReplayWindow) check(nonce uint64) bool {
	if !rw.started || nonce > rw.highest {
		return true
	}
	if rw.highest-nonce >= rw.windowSize {
		return false
	}
	return !rw.getBit(rw.highest - nonce)
}

// Mark records nonce as seen, sliding the window forward when it is the new
// highest
func (rw *ReplayWindow) Mark(nonce uint64) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.started {
		rw.started = true
		rw.highest = nonce
		rw.setBit(0)
		return
	}

	if nonce > rw.highest {
		rw.shiftBitmap(nonce - rw.highest)
		rw.highest = nonce
		rw.setBit(0)
		return
	}

	if offset := rw.highest - nonce; offset < rw.windowSize {
		rw.setBit(offset)
	}
}

// Accept checks and marks in one step
func (rw *ReplayWindow) Accept(nonce uint64) bool {
	rw.mu.Lock()
	ok := rw.check(nonce)
	rw.mu.Unlock()
	if ok {
		rw.Mark(nonce)
	}
	return ok
}

// Highest returns the highest nonce marked so far
func (rw *ReplayWindow) Highest() (uint64, bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.highest, rw.started
}

// Reset forgets every nonce
func (rw *ReplayWindow) Reset() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.started = false
	rw.highest = 0
	clear(rw.bitmap)
}

// shiftBitmap ages every tracked offset by shift positions
func (rw *ReplayWindow) shiftBitmap(shift uint64) {
	if shift >= rw.windowSize {
		clear(rw.bitmap)
		return
	}

	wordShift := int(shift / 64)
	bitShift := shift % 64

	// Shift by whole words first
	if wordShift > 0 {
		for i := len(rw.bitmap) - 1; i >= wordShift; i-- {
			rw.bitmap[i] = rw.bitmap[i-wordShift]
		}
		for i := 0; i < wordShift; i++ {
			rw.bitmap[i] = 0
		}
	}

	// Shift by remaining bits
	if bitShift > 0 {
		carry := uint64(0)
		for i := 0; i < len(rw.bitmap); i++ {
			newCarry := rw.bitmap[i] >> (64 - bitShift)
			rw.bitmap[i] = (rw.bitmap[i] << bitShift) | carry
			carry = newCarry
		}
	}
}

func (rw *ReplayWindow) setBit(offset uint64) {
	if offset >= rw.windowSize {
		return
	}
	rw.bitmap[offset/64] |= 1 << (offset % 64)
}

func (rw *ReplayWindow) getBit(offset uint64) bool {
	if offset >= rw.windowSize {
		return false
	}
	return rw.bitmap[offset/64]&(1<<(offset%64)) != 0
}
