package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayWindow_NewWindow(t *testing.T) {
	window := NewReplayWindow(1024)
	assert.Equal(t, uint64(1024), window.windowSize)
	assert.Len(t, window.bitmap, 16)

	_, started := window.Highest()
	assert.False(t, started)

	assert.Equal(t, uint64(64), NewReplayWindow(0).windowSize)
}

func TestReplayWindow_Accept(t *testing.T) {
	window := NewReplayWindow(64)

	assert.True(t, window.Accept(0), "nonce 0 is the first transport nonce")
	assert.True(t, window.Accept(1))
	assert.True(t, window.Accept(5))

	assert.False(t, window.Accept(5), "duplicate")
	assert.False(t, window.Accept(1), "duplicate")
	assert.False(t, window.Accept(0), "duplicate")

	highest, started := window.Highest()
	assert.True(t, started)
	assert.Equal(t, uint64(5), highest)
}

func TestReplayWindow_OutOfOrder(t *testing.T) {
	window := NewReplayWindow(64)

	assert.True(t, window.Accept(10))
	assert.True(t, window.Accept(5))
	assert.True(t, window.Accept(8))
	assert.True(t, window.Accept(12))
	assert.True(t, window.Accept(9))

	for _, n := range []uint64{5, 8, 9, 10, 12} {
		assert.False(t, window.Accept(n), "nonce %d replayed", n)
	}
}

func TestReplayWindow_TooOld(t *testing.T) {
	window := NewReplayWindow(64)

	assert.True(t, window.Accept(100))
	assert.True(t, window.Accept(37), "offset 63 is inside")
	assert.False(t, window.Accept(36), "offset 64 is outside")
	assert.False(t, window.Accept(1))
}

func TestReplayWindow_CheckDoesNotMark(t *testing.T) {
	window := NewReplayWindow(64)

	assert.True(t, window.Check(3))
	assert.True(t, window.Check(3))

	window.Mark(3)
	assert.False(t, window.Check(3))
	assert.True(t, window.Check(2))
}

func TestReplayWindow_SlideAcrossWords(t *testing.T) {
	window := NewReplayWindow(1024)

	assert.True(t, window.Accept(1))
	assert.True(t, window.Accept(70))
	assert.True(t, window.Accept(200))

	assert.False(t, window.Accept(1))
	assert.False(t, window.Accept(70))
	assert.True(t, window.Accept(2))
	assert.True(t, window.Accept(199))

	// Jump past the whole window clears old state
	assert.True(t, window.Accept(5000))
	assert.False(t, window.Accept(200))
	assert.True(t, window.Accept(4000))
}

func TestReplayWindow_Reset(t *testing.T) {
	window := NewReplayWindow(64)
	assert.True(t, window.Accept(7))

	window.Reset()
	assert.True(t, window.Accept(7))
}
