package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityAnnouncement_RoundTrip(t *testing.T) {
	a := &IdentityAnnouncement{
		Nickname:         "alice",
		NoisePublicKey:   bytes.Repeat([]byte{1}, 32),
		SigningPublicKey: bytes.Repeat([]byte{2}, 32),
	}

	data, err := a.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e'}, data[:7])

	decoded, err := DecodeAnnouncement(data)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestDecodeAnnouncement_SkipsUnknownTags(t *testing.T) {
	a := &IdentityAnnouncement{
		Nickname:         "bob",
		NoisePublicKey:   []byte{9, 9},
		SigningPublicKey: []byte{8},
	}
	data, err := a.Encode()
	require.NoError(t, err)

	withExtra := append([]byte{0x7F, 3, 'x', 'y', 'z'}, data...)
	decoded, err := DecodeAnnouncement(withExtra)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestDecodeAnnouncement_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing keys", []byte{0x01, 3, 'b', 'o', 'b'}},
		{"value overrun", []byte{0x01, 10, 'b'}},
		{"dangling tag", []byte{0x01}},
		{"invalid utf-8 nickname", []byte{0x01, 1, 0xFF, 0x02, 1, 1, 0x03, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAnnouncement(tt.data)
			assert.ErrorIs(t, err, ErrMalformedField)
		})
	}
}

func TestIdentityAnnouncement_FieldTooLong(t *testing.T) {
	a := &IdentityAnnouncement{Nickname: strings.Repeat("n", 256)}
	_, err := a.Encode()
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestAnnouncementFromPayload_LegacyNickname(t *testing.T) {
	a, err := AnnouncementFromPayload([]byte("carol"))
	require.NoError(t, err)
	assert.Equal(t, "carol", a.Nickname)
	assert.Nil(t, a.NoisePublicKey)
	assert.Nil(t, a.SigningPublicKey)

	// Decomposed e + combining acute is normalized to the precomposed form
	a, err = AnnouncementFromPayload([]byte("Rene\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "Ren\u00e9", a.Nickname)

	_, err = AnnouncementFromPayload(nil)
	assert.Error(t, err)
}

func TestNoisePayload_RoundTrip(t *testing.T) {
	n := &NoisePayload{Type: NoiseReadReceipt, Data: []byte("msg-1")}
	decoded, err := DecodeNoisePayload(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, n, decoded)

	_, err = DecodeNoisePayload(nil)
	assert.ErrorIs(t, err, ErrMalformedField)

	assert.Equal(t, "FILE_TRANSFER", NoiseFileTransfer.String())
}

func TestPrivateMessage_RoundTrip(t *testing.T) {
	m := NewPrivateMessage("meet at the usual place")
	_, err := uuid.Parse(m.MessageID)
	require.NoError(t, err)

	data, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodePrivateMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestDecodePrivateMessage_Rejects(t *testing.T) {
	_, err := DecodePrivateMessage([]byte{0x00, 1, 'a', 0x05, 1, 'b'})
	assert.ErrorIs(t, err, ErrMalformedField, "unknown tag is fatal")

	_, err = DecodePrivateMessage([]byte{0x00, 1, 'a'})
	assert.ErrorIs(t, err, ErrMalformedField, "content required")

	_, err = (&PrivateMessage{MessageID: "x", Content: strings.Repeat("c", 300)}).Encode()
	assert.ErrorIs(t, err, ErrMalformedField)
}
