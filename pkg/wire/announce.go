package wire

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
)

// Announcement TLV tags
const (
	announceTagNickname   uint8 = 0x01
	announceTagNoiseKey   uint8 = 0x02
	announceTagSigningKey uint8 = 0x03

	maxShortTLVValue = 0xFF
)

// IdentityAnnouncement is the ANNOUNCE payload: a nickname plus the
// sender's Noise static key and Ed25519 signing key
type IdentityAnnouncement struct {
	Nickname         string
	NoisePublicKey   []byte
	SigningPublicKey []byte
}

// Encode serializes the announcement as 1-byte tag, 1-byte length records
func (a *IdentityAnnouncement) Encode() ([]byte, error) {
	nick := []byte(a.Nickname)
	fields := []struct {
		tag   uint8
		value []byte
	}{
		{announceTagNickname, nick},
		{announceTagNoiseKey, a.NoisePublicKey},
		{announceTagSigningKey, a.SigningPublicKey},
	}

	size := 0
	for _, f := range fields {
		if len(f.value) > maxShortTLVValue {
			return nil, fmt.Errorf("%w: announcement field 0x%02x is %d bytes", ErrMalformedField, f.tag, len(f.value))
		}
		size += 2 + len(f.value)
	}

	w := bytecodec.NewWriter(size)
	for _, f := range fields {
		w.PutUint8(f.tag)
		w.PutUint8(uint8(len(f.value)))
		w.PutBytes(f.value)
	}
	return w.Bytes(), nil
}

// DecodeAnnouncement parses a TLV announcement. Unknown tags are skipped; all
// three known fields must be present.
func DecodeAnnouncement(data []byte) (*IdentityAnnouncement, error) {
	r := bytecodec.NewReader(data)
	var a IdentityAnnouncement
	var haveNick, haveNoise, haveSig bool

	for r.Remaining() > 0 {
		tag, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		length, err := r.Uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: announcement record truncated", ErrMalformedField)
		}
		value, err := r.Bytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("%w: announcement value overruns payload", ErrMalformedField)
		}

		switch tag {
		case announceTagNickname:
			if !utf8.Valid(value) {
				return nil, fmt.Errorf("%w: nickname is not utf-8", ErrMalformedField)
			}
			a.Nickname = norm.NFC.String(string(value))
			haveNick = true
		case announceTagNoiseKey:
			a.NoisePublicKey = value
			haveNoise = true
		case announceTagSigningKey:
			a.SigningPublicKey = value
			haveSig = true
		}
	}

	if !haveNick || !haveNoise || !haveSig {
		return nil, fmt.Errorf("%w: announcement missing required fields", ErrMalformedField)
	}
	return &a, nil
}

// AnnouncementFromPayload decodes a TLV announcement, falling back to the
// legacy form in which the whole payload is a plain-text nickname with no keys
func AnnouncementFromPayload(data []byte) (*IdentityAnnouncement, error) {
	if a, err := DecodeAnnouncement(data); err == nil {
		return a, nil
	}

	nick := bytes.TrimRight(data, "\x00")
	if len(nick) == 0 || !utf8.Valid(nick) {
		return nil, fmt.Errorf("%w: announcement is neither TLV nor a nickname", ErrMalformedField)
	}
	return &IdentityAnnouncement{Nickname: norm.NFC.String(string(nick))}, nil
}
