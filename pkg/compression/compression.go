// Package compression decides whether packet payloads are worth compressing
// and performs raw-deflate compression for the wire format.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

var (
	// ErrEmptyResult is returned when decompression yields no bytes
	ErrEmptyResult = errors.New("compression: decompressed payload is empty")

	// ErrInvalidSize is returned for a non-positive original size
	ErrInvalidSize = errors.New("compression: invalid original size")

	// ErrSizeMismatch is returned when the inflated length differs from the
	// declared original size
	ErrSizeMismatch = errors.New("compression: inflated size does not match original size")

	// ErrNotBeneficial is returned when deflate does not shrink the input
	ErrNotBeneficial = errors.New("compression: output not smaller than input")
)

// ShouldCompress reports whether data looks compressible. Short payloads are
// never compressed; otherwise the ratio of distinct byte values in the first
// 256 bytes must fall below 0.9.
func ShouldCompress(data []byte) bool {
	if len(data) < constants.CompressionThreshold {
		return false
	}

	sample := data
	if len(sample) > constants.CompressionSampleSize {
		sample = sample[:constants.CompressionSampleSize]
	}

	var seen [256]bool
	unique := 0
	for _, b := range sample {
		if !seen[b] {
			seen[b] = true
			unique++
		}
	}

	ratio := float64(unique) / float64(len(sample))
	return ratio < constants.CompressionMaxUniqueRatio
}

// Compress deflates data without zlib or gzip framing. It returns
// ErrNotBeneficial when the result is not smaller than data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to deflate payload: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush deflate stream: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, ErrNotBeneficial
	}
	return buf.Bytes(), nil
}

// Decompress inflates data that was produced by Compress. Input carrying a
// zlib header is accepted as a fallback for older senders. The output must
// be exactly originalSize bytes.
func Decompress(data []byte, originalSize int) ([]byte, error) {
	if originalSize <= 0 {
		return nil, ErrInvalidSize
	}

	out, rawErr := inflate(flate.NewReader(bytes.NewReader(data)), originalSize)
	if rawErr == nil {
		return out, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", rawErr)
	}
	out, err = inflate(zr, originalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate zlib payload: %w", err)
	}
	return out, nil
}

// inflate reads one byte past size so an overrun is detected without
// inflating the whole stream
func inflate(rc io.ReadCloser, size int) ([]byte, error) {
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, int64(size)+1))
	if err != nil {
		return nil, err
	}
	switch {
	case len(out) == 0:
		return nil, ErrEmptyResult
	case len(out) != size:
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(out), size)
	}
	return out, nil
}
