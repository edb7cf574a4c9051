// Package filepacket encodes file-transfer payloads as a TLV stream:
// type(1) | length(u16 BE) | value. Content larger than one record is split
// across consecutive CONTENT records and concatenated on decode.
package filepacket

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// TLV tags
const (
	TagFileName uint8 = 0x01
	TagFileSize uint8 = 0x02
	TagMimeType uint8 = 0x03
	TagContent  uint8 = 0x04
)

var (
	ErrEmpty         = errors.New("filepacket: empty payload")
	ErrMissingField  = errors.New("filepacket: missing required field")
	ErrOverrun       = errors.New("filepacket: record length overruns payload")
	ErrFieldTooLarge = errors.New("filepacket: field exceeds record size")
	ErrInvalidSize   = errors.New("filepacket: file size record must be 8 bytes")
	ErrInvalidText   = errors.New("filepacket: text field is not utf-8")
)

const recordHeaderSize = 3

// Packet is a file carried inside a FILE_TRANSFER or Noise file payload
type Packet struct {
	FileName string
	FileSize uint64
	MimeType string
	Content  []byte
}

// New builds a packet whose FileSize matches the content length
func New(name, mimeType string, content []byte) *Packet {
	return &Packet{
		FileName: name,
		FileSize: uint64(len(content)),
		MimeType: mimeType,
		Content:  content,
	}
}

// Encode serializes the packet
func (p *Packet) Encode() ([]byte, error) {
	name := []byte(p.FileName)
	mime := []byte(p.MimeType)
	if len(name) > constants.MaxTLVValueSize {
		return nil, fmt.Errorf("%w: file name is %d bytes", ErrFieldTooLarge, len(name))
	}
	if len(mime) > constants.MaxTLVValueSize {
		return nil, fmt.Errorf("%w: mime type is %d bytes", ErrFieldTooLarge, len(mime))
	}

	chunks := (len(p.Content) + constants.MaxTLVValueSize - 1) / constants.MaxTLVValueSize
	size := recordHeaderSize + len(name) +
		recordHeaderSize + constants.FileSizeFieldSize +
		recordHeaderSize + len(mime) +
		chunks*recordHeaderSize + len(p.Content)

	w := bytecodec.NewWriter(size)

	w.PutUint8(TagFileName)
	w.PutUint16(uint16(len(name)))
	w.PutBytes(name)

	w.PutUint8(TagFileSize)
	w.PutUint16(constants.FileSizeFieldSize)
	w.PutUint64(p.FileSize)

	w.PutUint8(TagMimeType)
	w.PutUint16(uint16(len(mime)))
	w.PutBytes(mime)

	for off := 0; off < len(p.Content); off += constants.MaxTLVValueSize {
		end := min(off+constants.MaxTLVValueSize, len(p.Content))
		w.PutUint8(TagContent)
		w.PutUint16(uint16(end - off))
		w.PutBytes(p.Content[off:end])
	}

	return w.Bytes(), nil
}

// Decode parses a TLV stream. Unknown tags are skipped; name, size and mime
// type are mandatory.
func Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	r := bytecodec.NewReader(data)
	var p Packet
	var haveName, haveSize, haveMime bool
	var content []byte

	for r.Remaining() > 0 {
		if r.Remaining() < recordHeaderSize {
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrOverrun, r.Remaining(), r.Offset())
		}
		tag, _ := r.Uint8()
		length, _ := r.Uint16()
		value, err := r.Bytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("%w: tag 0x%02x declares %d bytes", ErrOverrun, tag, length)
		}

		switch tag {
		case TagFileName:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: file name", ErrInvalidText)
			}
			p.FileName = string(value)
			haveName = true
		case TagFileSize:
			if len(value) != constants.FileSizeFieldSize {
				return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, len(value))
			}
			size, _ := bytecodec.NewReader(value).Uint64()
			p.FileSize = size
			haveSize = true
		case TagMimeType:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: mime type", ErrInvalidText)
			}
			p.MimeType = string(value)
			haveMime = true
		case TagContent:
			content = append(content, value...)
		}
	}

	switch {
	case !haveName:
		return nil, fmt.Errorf("%w: file name", ErrMissingField)
	case !haveSize:
		return nil, fmt.Errorf("%w: file size", ErrMissingField)
	case !haveMime:
		return nil, fmt.Errorf("%w: mime type", ErrMissingField)
	}

	p.Content = content
	return &p, nil
}
