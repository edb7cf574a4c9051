package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// ErrFrameTooLarge is returned for frames over the relay frame limit
var ErrFrameTooLarge = errors.New("transport: frame too large")

const frameHeaderSize = 4

// FrameConn exchanges length-prefixed frames over a stream: a big-endian
// u32 length followed by that many bytes. Writes are serialized; reads must
// come from a single goroutine.
type FrameConn struct {
	rw       io.ReadWriter
	maxFrame int

	wmu  sync.Mutex
	rhdr [frameHeaderSize]byte
}

// NewFrameConn wraps rw. maxFrame <= 0 selects the default relay limit.
func NewFrameConn(rw io.ReadWriter, maxFrame int) *FrameConn {
	if maxFrame <= 0 {
		maxFrame = constants.MaxRelayFrame
	}
	return &FrameConn{rw: rw, maxFrame: maxFrame}
}

// WriteFrame writes one frame
func (f *FrameConn) WriteFrame(frame []byte) error {
	if len(frame) > f.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	w := bytecodec.NewWriter(frameHeaderSize + len(frame))
	w.PutUint32(uint32(len(frame)))
	w.PutBytes(frame)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err := f.rw.Write(w.Bytes())
	return err
}

// ReadFrame reads the next frame. A clean end of stream between frames is
// io.EOF; a stream cut mid-frame is io.ErrUnexpectedEOF.
func (f *FrameConn) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.rhdr[:]); err != nil {
		return nil, err
	}

	size, _ := bytecodec.NewReader(f.rhdr[:]).Uint32()
	if int64(size) > int64(f.maxFrame) {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.rw, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
