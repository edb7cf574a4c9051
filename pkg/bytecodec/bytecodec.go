// Package bytecodec provides forward-only big-endian writers and readers over
// fixed-capacity byte buffers. Writers never grow: callers size them up front
// from known field widths, and writing past capacity is a programming error.
package bytecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOverflow is the panic value raised when a Writer runs past its capacity
	ErrOverflow = errors.New("bytecodec: write exceeds buffer capacity")

	// ErrOutOfBounds is returned when a Reader is asked for more bytes than remain
	ErrOutOfBounds = errors.New("bytecodec: read past end of buffer")
)

// Writer appends big-endian values into a pre-sized buffer
type Writer struct {
	buf []byte
	off int
}

// NewWriter creates a writer with the given fixed capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, capacity)}
}

func (w *Writer) reserve(n int) []byte {
	if n < 0 || w.off+n > len(w.buf) {
		panic(fmt.Errorf("%w: need %d bytes at offset %d, capacity %d", ErrOverflow, n, w.off, len(w.buf)))
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

// PutUint8 writes a single byte
func (w *Writer) PutUint8(v uint8) {
	w.reserve(1)[0] = v
}

// PutUint16 writes a big-endian uint16
func (w *Writer) PutUint16(v uint16) {
	binary.BigEndian.PutUint16(w.reserve(2), v)
}

// PutUint32 writes a big-endian uint32
func (w *Writer) PutUint32(v uint32) {
	binary.BigEndian.PutUint32(w.reserve(4), v)
}

// PutUint64 writes a big-endian uint64
func (w *Writer) PutUint64(v uint64) {
	binary.BigEndian.PutUint64(w.reserve(8), v)
}

// PutBytes writes a raw byte run
func (w *Writer) PutBytes(b []byte) {
	copy(w.reserve(len(b)), b)
}

// PutFixed writes b into exactly size bytes, truncating or zero-padding
func (w *Writer) PutFixed(b []byte, size int) {
	dst := w.reserve(size)
	n := copy(dst, b)
	for i := n; i < size; i++ {
		dst[i] = 0
	}
}

// Len returns the number of bytes written so far
func (w *Writer) Len() int {
	return w.off
}

// Cap returns the fixed capacity of the writer
func (w *Writer) Cap() int {
	return len(w.buf)
}

// Bytes returns the written portion of the buffer
func (w *Writer) Bytes() []byte {
	return w.buf[:w.off]
}

// Reader consumes big-endian values from a byte slice
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over b
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads a single byte
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian uint16
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big-endian uint32
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a big-endian uint64
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bytes reads n raw bytes. The returned slice is a copy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Skip advances past n bytes
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset returns the current read position
func (r *Reader) Offset() int {
	return r.off
}
