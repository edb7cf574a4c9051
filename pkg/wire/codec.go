package wire

import (
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/meshwire/pkg/bytecodec"
	"github.com/WebFirstLanguage/meshwire/pkg/compression"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/padding"
)

// HeaderSize returns the encoded header size for a protocol version
func HeaderSize(version uint8) int {
	if version >= constants.ProtocolVersion2 {
		return constants.HeaderSizeV2
	}
	return constants.HeaderSizeV1
}

func validVersion(version uint8) bool {
	return version == constants.ProtocolVersion1 || version == constants.ProtocolVersion2
}

// Encode serializes a packet and pads it to the optimal block size
func Encode(p *Packet) ([]byte, error) {
	data, err := EncodeRaw(p)
	if err != nil {
		return nil, err
	}
	return padding.Pad(data, padding.OptimalBlockSize(len(data))), nil
}

// EncodeRaw serializes a packet without padding
func EncodeRaw(p *Packet) (out []byte, err error) {
	if p == nil {
		return nil, NewError(constants.ErrorInternal, "nil packet")
	}
	if !validVersion(p.Version) {
		return nil, errBadVersion(p.Version)
	}

	payload := p.Payload
	originalSize := len(payload)
	compressed := false
	if originalSize <= constants.MaxPayloadV1 && compression.ShouldCompress(payload) {
		// ErrNotBeneficial and other failures leave the payload uncompressed
		if c, cerr := compression.Compress(payload); cerr == nil {
			payload = c
			compressed = true
		}
	}

	payloadFieldSize := len(payload)
	if compressed {
		payloadFieldSize += constants.OriginalSizeFieldSize
	}
	if p.Version == constants.ProtocolVersion1 && payloadFieldSize > constants.MaxPayloadV1 {
		return nil, NewError(constants.ErrorOversize,
			fmt.Sprintf("payload of %d bytes exceeds version 1 limit", payloadFieldSize))
	}

	size := HeaderSize(p.Version) + constants.PeerIDSize + payloadFieldSize
	if p.RecipientID != nil {
		size += constants.PeerIDSize
	}
	if p.Signature != nil {
		size += constants.SignatureSize
	}

	// Writer overflow means the size computation above drifted from the layout
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok || !errors.Is(rerr, bytecodec.ErrOverflow) {
				panic(r)
			}
			out = nil
			err = wrapError(constants.ErrorInternal, "encoder sizing mismatch", rerr)
		}
	}()

	var flags uint8
	if p.RecipientID != nil {
		flags |= FlagHasRecipient
	}
	if p.Signature != nil {
		flags |= FlagHasSignature
	}
	if compressed {
		flags |= FlagIsCompressed
	}

	w := bytecodec.NewWriter(size)
	w.PutUint8(p.Version)
	w.PutUint8(uint8(p.Type))
	w.PutUint8(p.TTL)
	w.PutUint64(p.Timestamp)
	w.PutUint8(flags)
	if p.Version >= constants.ProtocolVersion2 {
		w.PutUint32(uint32(payloadFieldSize))
	} else {
		w.PutUint16(uint16(payloadFieldSize))
	}

	w.PutFixed(p.SenderID[:], constants.PeerIDSize)
	if p.RecipientID != nil {
		w.PutFixed(p.RecipientID[:], constants.PeerIDSize)
	}

	if compressed {
		w.PutUint16(uint16(originalSize))
	}
	w.PutBytes(payload)

	if p.Signature != nil {
		w.PutFixed(p.Signature, constants.SignatureSize)
	}

	if w.Len() != size {
		return nil, NewError(constants.ErrorInternal,
			fmt.Sprintf("encoded %d bytes, expected %d", w.Len(), size))
	}
	return w.Bytes(), nil
}

// Decode parses a packet. The input is first decoded as-is, which covers
// senders that never pad; only if that fails is padding stripped and the
// decode retried.
func Decode(data []byte) (*Packet, error) {
	p, err := decodeCore(data)
	if err == nil {
		return p, nil
	}

	unpadded := padding.Unpad(data)
	if len(unpadded) == len(data) {
		return nil, err
	}
	return decodeCore(unpadded)
}

func decodeCore(data []byte) (*Packet, error) {
	if len(data) < constants.HeaderSizeV1+constants.PeerIDSize {
		return nil, errTruncated(constants.HeaderSizeV1+constants.PeerIDSize, len(data))
	}

	r := bytecodec.NewReader(data)
	version, _ := r.Uint8()
	if !validVersion(version) {
		return nil, errBadVersion(version)
	}

	headerSize := HeaderSize(version)
	if len(data) < headerSize+constants.PeerIDSize {
		return nil, errTruncated(headerSize+constants.PeerIDSize, len(data))
	}

	msgType, _ := r.Uint8()
	ttl, _ := r.Uint8()
	timestamp, _ := r.Uint64()
	flags, _ := r.Uint8()

	var payloadLen uint64
	if version >= constants.ProtocolVersion2 {
		v, _ := r.Uint32()
		payloadLen = uint64(v)
	} else {
		v, _ := r.Uint16()
		payloadLen = uint64(v)
	}

	hasRecipient := flags&FlagHasRecipient != 0
	hasSignature := flags&FlagHasSignature != 0
	isCompressed := flags&FlagIsCompressed != 0

	expected := uint64(headerSize+constants.PeerIDSize) + payloadLen
	if hasRecipient {
		expected += constants.PeerIDSize
	}
	if hasSignature {
		expected += constants.SignatureSize
	}
	if expected > uint64(len(data)) {
		return nil, errLengthOverrun(expected, len(data))
	}

	p := &Packet{
		Version:   version,
		Type:      MessageType(msgType),
		TTL:       ttl,
		Timestamp: timestamp,
	}

	sender, err := r.Bytes(constants.PeerIDSize)
	if err != nil {
		return nil, wrapError(constants.ErrorTruncated, "sender id", err)
	}
	copy(p.SenderID[:], sender)

	if hasRecipient {
		recipient, err := r.Bytes(constants.PeerIDSize)
		if err != nil {
			return nil, wrapError(constants.ErrorTruncated, "recipient id", err)
		}
		var id PeerID
		copy(id[:], recipient)
		p.RecipientID = &id
	}

	if isCompressed {
		if payloadLen < constants.OriginalSizeFieldSize {
			return nil, NewError(constants.ErrorDecompress, "compressed payload shorter than size prefix")
		}
		originalSize, _ := r.Uint16()
		body, err := r.Bytes(int(payloadLen) - constants.OriginalSizeFieldSize)
		if err != nil {
			return nil, wrapError(constants.ErrorTruncated, "compressed payload", err)
		}
		payload, err := compression.Decompress(body, int(originalSize))
		if err != nil {
			return nil, wrapError(constants.ErrorDecompress, "payload", err)
		}
		p.Payload = payload
	} else if payloadLen > 0 {
		payload, err := r.Bytes(int(payloadLen))
		if err != nil {
			return nil, wrapError(constants.ErrorTruncated, "payload", err)
		}
		p.Payload = payload
	}

	if hasSignature {
		sig, err := r.Bytes(constants.SignatureSize)
		if err != nil {
			return nil, wrapError(constants.ErrorTruncated, "signature", err)
		}
		p.Signature = sig
	}

	return p, nil
}
