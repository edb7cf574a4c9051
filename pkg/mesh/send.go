package mesh

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/pkg/filepacket"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// nextTimestamp returns the current time in milliseconds, bumped past the
// previous value so locally originated packets never share a dedup identity
func (s *Service) nextTimestamp() uint64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	ts := uint64(s.now().UnixMilli())
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Service) newPacket(t wire.MessageType, payload []byte) *wire.Packet {
	p := wire.NewPacket(t, s.ttl, s.localID, payload)
	p.Version = s.version
	p.Timestamp = s.nextTimestamp()
	return p
}

func (s *Service) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning
}

// Send signs and broadcasts a locally originated packet. Packets whose
// encoding exceeds the fragmentation threshold go out as FRAGMENT packets,
// each carrying one envelope.
func (s *Service) Send(p *wire.Packet) error {
	if !s.running() {
		return ErrNotRunning
	}
	if err := s.id.SignPacket(p); err != nil {
		return fmt.Errorf("failed to sign packet: %w", err)
	}

	if !s.fragments.NeedsFragmentation(p) {
		return s.broadcast(p)
	}

	envelopes, err := s.fragments.CreateEnvelopes(p)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"type":      p.Type,
		"fragments": len(envelopes),
	}).Debug("fragmenting outbound packet")

	for _, e := range envelopes {
		fp := s.newPacket(wire.TypeFragment, e.Encode())
		fp.TTL = p.TTL
		if p.RecipientID != nil {
			fp = fp.WithRecipient(*p.RecipientID)
		}
		if err := s.id.SignPacket(fp); err != nil {
			return fmt.Errorf("failed to sign fragment: %w", err)
		}
		if err := s.broadcast(fp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) broadcast(p *wire.Packet) error {
	frame, err := wire.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s packet: %w", p.Type, err)
	}
	if err := s.out.Broadcast(frame); err != nil {
		return fmt.Errorf("failed to broadcast %s packet: %w", p.Type, err)
	}
	return nil
}

// SendAnnounce broadcasts our nickname and public keys
func (s *Service) SendAnnounce() error {
	payload, err := s.id.Announcement().Encode()
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}
	return s.Send(s.newPacket(wire.TypeAnnounce, payload))
}

// SendMessage broadcasts a public text message
func (s *Service) SendMessage(text string) error {
	return s.Send(s.newPacket(wire.TypeMessage, []byte(text)))
}

// SendLeave tells peers we are going away
func (s *Service) SendLeave() error {
	return s.Send(s.newPacket(wire.TypeLeave, nil))
}

// InitiateHandshake starts a Noise handshake with peerID
func (s *Service) InitiateHandshake(peerID string) error {
	priv, pub := s.id.NoiseStaticKeys()
	msg, err := s.noise.InitiateHandshake(peerID, priv, pub)
	if err != nil {
		return fmt.Errorf("failed to initiate handshake with %s: %w", peerID, err)
	}
	return s.sendHandshake(peerID, msg)
}

func (s *Service) sendHandshake(peerID string, msg []byte) error {
	p := s.newPacket(wire.TypeNoiseHandshake, msg).WithRecipient(wire.PeerIDFromHex(peerID))
	return s.Send(p)
}

// SendPrivateMessage encrypts content for peerID and returns the message ID.
// A session must already be established.
func (s *Service) SendPrivateMessage(peerID, content string) (string, error) {
	msg := wire.NewPrivateMessage(content)
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := s.sendEncrypted(peerID, wire.NoisePrivateMessage, data); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// SendReadReceipt tells peerID that messageID was read
func (s *Service) SendReadReceipt(peerID, messageID string) error {
	return s.sendEncrypted(peerID, wire.NoiseReadReceipt, []byte(messageID))
}

// SendDeliveryAck tells peerID that messageID arrived
func (s *Service) SendDeliveryAck(peerID, messageID string) error {
	return s.sendEncrypted(peerID, wire.NoiseDelivered, []byte(messageID))
}

// SendFile broadcasts file in the clear when peerID is empty, otherwise it
// is encrypted to peerID's session
func (s *Service) SendFile(peerID string, file *filepacket.Packet) error {
	data, err := file.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode file: %w", err)
	}
	if peerID == "" {
		return s.Send(s.newPacket(wire.TypeFileTransfer, data))
	}
	return s.sendEncrypted(peerID, wire.NoiseFileTransfer, data)
}

func (s *Service) sendEncrypted(peerID string, t wire.NoisePayloadType, data []byte) error {
	if !s.security.HasEstablishedSession(peerID) {
		return fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}

	plaintext := (&wire.NoisePayload{Type: t, Data: data}).Encode()
	ciphertext, err := s.security.EncryptForPeer(peerID, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt for %s: %w", peerID, err)
	}

	p := s.newPacket(wire.TypeNoiseEncrypted, ciphertext).WithRecipient(wire.PeerIDFromHex(peerID))
	return s.Send(p)
}
