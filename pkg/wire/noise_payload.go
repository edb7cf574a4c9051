package wire

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
)

// NoisePayloadType tags the plaintext carried inside a NOISE_ENCRYPTED packet
type NoisePayloadType uint8

const (
	NoisePrivateMessage NoisePayloadType = 0x01
	NoiseReadReceipt    NoisePayloadType = 0x02
	NoiseDelivered      NoisePayloadType = 0x03
	NoiseFileTransfer   NoisePayloadType = 0x20
)

// String returns the string representation of the payload type
func (t NoisePayloadType) String() string {
	switch t {
	case NoisePrivateMessage:
		return "PRIVATE_MESSAGE"
	case NoiseReadReceipt:
		return "READ_RECEIPT"
	case NoiseDelivered:
		return "DELIVERED"
	case NoiseFileTransfer:
		return "FILE_TRANSFER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// NoisePayload is a typed plaintext: one type byte followed by its data
type NoisePayload struct {
	Type NoisePayloadType
	Data []byte
}

// Encode serializes the payload
func (n *NoisePayload) Encode() []byte {
	out := make([]byte, 1+len(n.Data))
	out[0] = byte(n.Type)
	copy(out[1:], n.Data)
	return out
}

// DecodeNoisePayload parses a typed plaintext
func DecodeNoisePayload(data []byte) (*NoisePayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty noise payload", ErrMalformedField)
	}
	return &NoisePayload{
		Type: NoisePayloadType(data[0]),
		Data: append([]byte(nil), data[1:]...),
	}, nil
}

// Private message TLV tags
const (
	privateTagMessageID uint8 = 0x00
	privateTagContent   uint8 = 0x01
)

// PrivateMessage is the body of a NoisePrivateMessage payload
type PrivateMessage struct {
	MessageID string
	Content   string
}

// NewPrivateMessage creates a private message with a fresh identifier
func NewPrivateMessage(content string) *PrivateMessage {
	return &PrivateMessage{
		MessageID: uuid.NewString(),
		Content:   content,
	}
}

// Encode serializes the message as 1-byte tag, 1-byte length records
func (m *PrivateMessage) Encode() ([]byte, error) {
	id := []byte(m.MessageID)
	content := []byte(m.Content)
	if len(id) > maxShortTLVValue || len(content) > maxShortTLVValue {
		return nil, fmt.Errorf("%w: private message field exceeds %d bytes", ErrMalformedField, maxShortTLVValue)
	}

	w := bytecodec.NewWriter(4 + len(id) + len(content))
	w.PutUint8(privateTagMessageID)
	w.PutUint8(uint8(len(id)))
	w.PutBytes(id)
	w.PutUint8(privateTagContent)
	w.PutUint8(uint8(len(content)))
	w.PutBytes(content)
	return w.Bytes(), nil
}

// DecodePrivateMessage parses a private message. Unknown tags are rejected.
func DecodePrivateMessage(data []byte) (*PrivateMessage, error) {
	r := bytecodec.NewReader(data)
	var m PrivateMessage
	var haveID, haveContent bool

	for r.Remaining() > 0 {
		tag, _ := r.Uint8()
		length, err := r.Uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: private message record truncated", ErrMalformedField)
		}
		value, err := r.Bytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("%w: private message value overruns payload", ErrMalformedField)
		}
		if !utf8.Valid(value) {
			return nil, fmt.Errorf("%w: private message field is not utf-8", ErrMalformedField)
		}

		switch tag {
		case privateTagMessageID:
			m.MessageID = string(value)
			haveID = true
		case privateTagContent:
			m.Content = string(value)
			haveContent = true
		default:
			return nil, fmt.Errorf("%w: unknown private message tag 0x%02x", ErrMalformedField, tag)
		}
	}

	if !haveID || !haveContent {
		return nil, fmt.Errorf("%w: private message missing required fields", ErrMalformedField)
	}
	return &m, nil
}
