package fragment

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// ID identifies the fragments of one oversized packet
type ID [8]byte

// String returns the hex form of the identifier
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// NewID derives a fragment group identifier from the encoded packet and a
// random salt, so retransmissions of identical bytes get distinct groups
func NewID(encoded []byte) ID {
	var salt [8]byte
	_, _ = rand.Read(salt[:])

	h := blake3.New(32, nil)
	h.Write(encoded)
	h.Write(salt[:])

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Envelope is the FRAGMENT packet payload: group id, position and one chunk
type Envelope struct {
	ID    ID
	Index uint16
	Total uint16
	Data  []byte
}

// ErrInvalidEnvelope is returned for malformed fragment payloads
var ErrInvalidEnvelope = errors.New("fragment: invalid envelope")

// IsLast reports whether this is the final fragment of its group
func (e *Envelope) IsLast() bool {
	return e.Index+1 == e.Total
}

// Encode serializes the envelope
func (e *Envelope) Encode() []byte {
	w := bytecodec.NewWriter(constants.FragmentHeaderSize + len(e.Data))
	w.PutBytes(e.ID[:])
	w.PutUint16(e.Index)
	w.PutUint16(e.Total)
	w.PutBytes(e.Data)
	return w.Bytes()
}

// DecodeEnvelope parses a FRAGMENT packet payload
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < constants.FragmentHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEnvelope, len(data))
	}

	r := bytecodec.NewReader(data)
	var e Envelope
	id, _ := r.Bytes(len(e.ID))
	copy(e.ID[:], id)
	e.Index, _ = r.Uint16()
	e.Total, _ = r.Uint16()
	e.Data, _ = r.Bytes(r.Remaining())

	if e.Total == 0 || e.Index >= e.Total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidEnvelope, e.Index, e.Total)
	}
	return &e, nil
}
