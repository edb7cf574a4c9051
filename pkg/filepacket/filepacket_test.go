package filepacket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_MultiChunk(t *testing.T) {
	content := make([]byte, 150000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	p := New("holiday.jpg", "image/jpeg", content)

	data, err := p.Encode()
	require.NoError(t, err)

	// name + size + mime + three content records
	assert.Len(t, data, 3+11+3+8+3+10+3*3+len(content))
	assert.Equal(t, []byte{TagContent, 0xFF, 0xFF}, data[3+11+3+8+3+10:3+11+3+8+3+10+3])

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p.FileName, decoded.FileName)
	assert.Equal(t, p.FileSize, decoded.FileSize)
	assert.Equal(t, p.MimeType, decoded.MimeType)
	assert.True(t, bytes.Equal(p.Content, decoded.Content))
}

func TestEncodeDecode_Small(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
	}{
		{"text file", New("notes.txt", "text/plain", []byte("hello"))},
		{"empty content", &Packet{FileName: "empty", FileSize: 0, MimeType: "application/octet-stream"}},
		{"exactly one record", New("one", "application/octet-stream", bytes.Repeat([]byte{1}, 65535))},
		{"size differs from content", &Packet{FileName: "partial", FileSize: 1 << 40, MimeType: "video/mp4", Content: []byte{1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.p.Encode()
			require.NoError(t, err)
			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.p, decoded)
		})
	}
}

func TestDecode_SkipsUnknownTags(t *testing.T) {
	p := New("a.bin", "application/octet-stream", []byte{1, 2, 3})
	data, err := p.Encode()
	require.NoError(t, err)

	withUnknown := append([]byte{0x42, 0x00, 0x02, 0xAA, 0xBB}, data...)
	decoded, err := Decode(withUnknown)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestDecode_Rejects(t *testing.T) {
	valid, err := New("a", "b", []byte{1}).Encode()
	require.NoError(t, err)

	sizeRecord := []byte{TagFileSize, 0, 8, 0, 0, 0, 0, 0, 0, 0, 1}
	nameRecord := []byte{TagFileName, 0, 1, 'n'}
	mimeRecord := []byte{TagMimeType, 0, 1, 'm'}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrEmpty},
		{"missing name", concat(sizeRecord, mimeRecord), ErrMissingField},
		{"missing size", concat(nameRecord, mimeRecord), ErrMissingField},
		{"missing mime", concat(nameRecord, sizeRecord), ErrMissingField},
		{"length overrun", append(bytes.Clone(valid), TagContent, 0x00, 0x10, 1), ErrOverrun},
		{"truncated record header", append(bytes.Clone(valid), TagContent, 0x00), ErrOverrun},
		{"short size record", concat(nameRecord, []byte{TagFileSize, 0, 4, 0, 0, 0, 1}, mimeRecord), ErrInvalidSize},
		{"invalid utf-8 name", concat([]byte{TagFileName, 0, 1, 0xFF}, sizeRecord, mimeRecord), ErrInvalidText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncode_FieldTooLarge(t *testing.T) {
	p := New(string(bytes.Repeat([]byte("n"), 70000)), "text/plain", nil)
	_, err := p.Encode()
	assert.ErrorIs(t, err, ErrFieldTooLarge)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
