// Package padding rounds encoded frames up to a small set of block sizes so
// that observers cannot infer exact message lengths.
//
// The scheme is PKCS#7-style: k pad bytes are appended, each holding the value
// k, and 1 <= k <= 255. Frames that would need more than 255 bytes of padding,
// or that already exceed the largest block, are sent unpadded.
package padding

import "github.com/WebFirstLanguage/meshwire/pkg/constants"

// OptimalBlockSize returns the smallest block that fits dataSize plus the
// padding overhead, or dataSize itself when no block is large enough.
func OptimalBlockSize(dataSize int) int {
	total := dataSize + constants.PaddingOverhead
	for _, block := range constants.PaddingBlockSizes {
		if total <= block {
			return block
		}
	}
	return dataSize
}

// Pad extends data to targetSize. Data is returned unchanged when the pad
// length falls outside 1..255.
func Pad(data []byte, targetSize int) []byte {
	padLen := targetSize - len(data)
	if padLen <= 0 || padLen > constants.MaxPadLength {
		return data
	}

	out := make([]byte, targetSize)
	copy(out, data)
	for i := len(data); i < targetSize; i++ {
		out[i] = byte(padLen)
	}
	return out
}

// Unpad strips trailing padding. Input whose tail is not a valid pad run is
// returned unchanged.
func Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return data
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return data
		}
	}
	return data[:len(data)-padLen]
}
