package handler

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/crypto"
	"github.com/WebFirstLanguage/meshwire/pkg/filepacket"
	"github.com/WebFirstLanguage/meshwire/pkg/fragment"
	"github.com/WebFirstLanguage/meshwire/pkg/noise"
	"github.com/WebFirstLanguage/meshwire/pkg/peers"
	"github.com/WebFirstLanguage/meshwire/pkg/security"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

const (
	aliceID = "aaaaaaaaaaaaaaaa"
	bobID   = "bbbbbbbbbbbbbbbb"
)

type staticKeys struct{ priv, pub []byte }

func (k staticKeys) NoiseStaticKeys() ([]byte, []byte) { return k.priv, k.pub }

type recorder struct {
	NopDelegate
	announced   []string
	messages    []string
	broadcast   []bool
	private     []string
	receipts    []string
	acks        []string
	responses   [][]byte
	established []string
	left        []string
	fragments   int
	files       []*filepacket.Packet
}

func (r *recorder) OnPeerAnnounced(_, nickname string) { r.announced = append(r.announced, nickname) }
func (r *recorder) OnMessageReceived(_, text string, broadcast bool) {
	r.messages = append(r.messages, text)
	r.broadcast = append(r.broadcast, broadcast)
}
func (r *recorder) OnEncryptedMessageReceived(_ string, msg *wire.PrivateMessage) {
	r.private = append(r.private, msg.Content)
}
func (r *recorder) OnReadReceipt(_, id string) { r.receipts = append(r.receipts, id) }
func (r *recorder) OnDeliveryAck(_, id string) { r.acks = append(r.acks, id) }
func (r *recorder) OnHandshakeResponse(_ string, response []byte) {
	r.responses = append(r.responses, response)
}
func (r *recorder) OnSessionEstablished(_, fingerprint string) {
	r.established = append(r.established, fingerprint)
}
func (r *recorder) OnPeerLeft(peerID string)            { r.left = append(r.left, peerID) }
func (r *recorder) OnFragmentReceived(string, int, int) { r.fragments++ }
func (r *recorder) OnFileReceived(_ string, f *filepacket.Packet, _ bool) {
	r.files = append(r.files, f)
}

type node struct {
	id       string
	keys     staticKeys
	sessions *noise.SessionManager
	security *security.Manager
	peers    *peers.Manager
	frags    *fragment.Manager
	handler  *Handler
	events   *recorder
}

func newNode(t *testing.T, id string) *node {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	log := logging.Discard()
	n := &node{id: id, keys: staticKeys{priv, pub}, events: &recorder{}}
	n.sessions = noise.NewSessionManager(noise.Config{LocalPeerID: id, Logger: log})
	n.peers = peers.NewManager(peers.Config{Logger: log})
	n.security = security.NewManager(security.Config{
		LocalPeerID: id,
		Noise:       n.sessions,
		Keys:        n.peers,
		Logger:      log,
	})
	n.frags = fragment.NewManager(fragment.Config{Logger: log})
	n.handler = New(Config{
		LocalPeerID: id,
		Security:    n.security,
		Peers:       n.peers,
		Fragments:   n.frags,
		Keys:        n.keys,
		Delegate:    n.events,
		Logger:      log,
	})
	return n
}

func encryptedPacket(t *testing.T, from *node, to string, payload *wire.NoisePayload) *wire.Packet {
	t.Helper()
	ct, err := from.sessions.Encrypt(to, payload.Encode())
	require.NoError(t, err)
	return wire.NewPacket(wire.TypeNoiseEncrypted, 7, from.id, ct).WithRecipient(wire.PeerIDFromHex(to))
}

func privateMessage(t *testing.T, content string) *wire.NoisePayload {
	t.Helper()
	data, err := wire.NewPrivateMessage(content).Encode()
	require.NoError(t, err)
	return &wire.NoisePayload{Type: wire.NoisePrivateMessage, Data: data}
}

func handshakePacket(from string, msg []byte) *wire.Packet {
	return wire.NewPacket(wire.TypeNoiseHandshake, 7, from, msg)
}

// establish runs a full handshake with alice initiating against bob's handler
func establish(t *testing.T, alice, bob *node) {
	t.Helper()
	msg1, err := alice.sessions.InitiateHandshake(bob.id, alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)

	bob.handler.HandlePacket(handshakePacket(alice.id, msg1), alice.id)
	require.NotEmpty(t, bob.events.responses)
	msg2 := bob.events.responses[len(bob.events.responses)-1]

	msg3, err := alice.sessions.ProcessHandshake(bob.id, msg2, alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)

	bob.handler.HandlePacket(handshakePacket(alice.id, msg3), alice.id)
	require.True(t, bob.security.HasEstablishedSession(alice.id))
}

func TestHandleAnnounce(t *testing.T) {
	bob := newNode(t, bobID)

	noiseKey := make([]byte, 32)
	signKey := make([]byte, 32)
	noiseKey[0], signKey[0] = 1, 2
	payload, err := (&wire.IdentityAnnouncement{
		Nickname:         "alice",
		NoisePublicKey:   noiseKey,
		SigningPublicKey: signKey,
	}).Encode()
	require.NoError(t, err)

	bob.handler.HandlePacket(wire.NewPacket(wire.TypeAnnounce, 7, aliceID, payload), aliceID)

	assert.Equal(t, []string{"alice"}, bob.events.announced)
	p, ok := bob.peers.GetPeer(aliceID)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Nickname)
	assert.True(t, p.IsConnected)
	assert.Equal(t, noiseKey, p.NoisePublicKey)
	assert.Equal(t, signKey, p.SigningPublicKey)
	assert.True(t, bob.peers.HasAnnounced(aliceID))

	// Legacy nickname-only announce keeps the known keys
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeAnnounce, 7, aliceID, []byte("alice2")), aliceID)
	p, _ = bob.peers.GetPeer(aliceID)
	assert.Equal(t, "alice2", p.Nickname)
	assert.Equal(t, noiseKey, p.NoisePublicKey)
}

func TestHandleMessage(t *testing.T) {
	bob := newNode(t, bobID)

	bob.handler.HandlePacket(wire.NewPacket(wire.TypeMessage, 7, aliceID, []byte("hello all")), aliceID)
	direct := wire.NewPacket(wire.TypeMessage, 7, aliceID, []byte("hi bob")).WithRecipient(wire.PeerIDFromHex(bobID))
	bob.handler.HandlePacket(direct, aliceID)
	bcast := wire.NewPacket(wire.TypeMessage, 7, aliceID, []byte("again")).WithRecipient(wire.BroadcastRecipient)
	bob.handler.HandlePacket(bcast, aliceID)

	assert.Equal(t, []string{"hello all", "hi bob", "again"}, bob.events.messages)
	assert.Equal(t, []bool{true, false, true}, bob.events.broadcast)

	// Self-originated messages are not echoed
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeMessage, 7, bobID, []byte("me")), bobID)
	assert.Len(t, bob.events.messages, 3)
}

func TestHandleLeave(t *testing.T) {
	bob := newNode(t, bobID)
	bob.peers.AddOrUpdatePeer(peers.Update{ID: aliceID, Nickname: "alice", IsConnected: true})

	bob.handler.HandlePacket(wire.NewPacket(wire.TypeLeave, 7, aliceID, nil), aliceID)

	assert.Equal(t, []string{aliceID}, bob.events.left)
	p, ok := bob.peers.GetPeer(aliceID)
	require.True(t, ok)
	assert.False(t, p.IsConnected)
}

func TestHandleFileTransfer(t *testing.T) {
	bob := newNode(t, bobID)

	data, err := filepacket.New("notes.txt", "text/plain", []byte("contents")).Encode()
	require.NoError(t, err)
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeFileTransfer, 7, aliceID, data), aliceID)

	require.Len(t, bob.events.files, 1)
	assert.Equal(t, "notes.txt", bob.events.files[0].FileName)
	assert.Equal(t, []byte("contents"), bob.events.files[0].Content)

	// Malformed file payloads are dropped
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeFileTransfer, 7, aliceID, []byte{0xFF}), aliceID)
	assert.Len(t, bob.events.files, 1)
}

func TestHandleUnknownAndNil(t *testing.T) {
	bob := newNode(t, bobID)
	assert.NotPanics(t, func() {
		bob.handler.HandlePacket(wire.NewPacket(wire.MessageType(0x7F), 7, aliceID, []byte("x")), aliceID)
		bob.handler.HandlePacket(wire.NewPacket(wire.TypeRequestSync, 7, aliceID, nil), aliceID)
		bob.handler.HandlePacket(nil, aliceID)
	})
}

func TestHandshakeAndEncryptedPayloads(t *testing.T) {
	alice := newNode(t, aliceID)
	bob := newNode(t, bobID)
	establish(t, alice, bob)

	require.Len(t, bob.events.established, 1)
	assert.Equal(t, Fingerprint(alice.keys.pub), bob.events.established[0])
	assert.Len(t, bob.events.established[0], 64)

	bob.handler.HandlePacket(encryptedPacket(t, alice, bobID, privateMessage(t, "secret")), aliceID)
	bob.handler.HandlePacket(encryptedPacket(t, alice, bobID,
		&wire.NoisePayload{Type: wire.NoiseReadReceipt, Data: []byte("msg-1")}), aliceID)
	bob.handler.HandlePacket(encryptedPacket(t, alice, bobID,
		&wire.NoisePayload{Type: wire.NoiseDelivered, Data: []byte("msg-2")}), aliceID)

	file, err := filepacket.New("a.bin", "application/octet-stream", []byte{1, 2, 3}).Encode()
	require.NoError(t, err)
	bob.handler.HandlePacket(encryptedPacket(t, alice, bobID,
		&wire.NoisePayload{Type: wire.NoiseFileTransfer, Data: file}), aliceID)

	assert.Equal(t, []string{"secret"}, bob.events.private)
	assert.Equal(t, []string{"msg-1"}, bob.events.receipts)
	assert.Equal(t, []string{"msg-2"}, bob.events.acks)
	require.Len(t, bob.events.files, 1)
	assert.Equal(t, "a.bin", bob.events.files[0].FileName)
	assert.Zero(t, bob.handler.PendingCount(aliceID))
}

func TestEncryptedBeforeHandshakeIsQueuedAndReplayedOnce(t *testing.T) {
	alice := newNode(t, aliceID)
	bob := newNode(t, bobID)

	msg1, err := alice.sessions.InitiateHandshake(bobID, alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)
	bob.handler.HandlePacket(handshakePacket(aliceID, msg1), aliceID)
	require.Len(t, bob.events.responses, 1)

	// Alice completes her side first and starts sending
	msg3, err := alice.sessions.ProcessHandshake(bobID, bob.events.responses[0], alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)
	require.True(t, alice.sessions.HasEstablishedSession(bobID))

	for _, text := range []string{"first", "second", "third"} {
		bob.handler.HandlePacket(encryptedPacket(t, alice, bobID, privateMessage(t, text)), aliceID)
	}
	assert.Empty(t, bob.events.private)
	assert.Equal(t, 3, bob.handler.PendingCount(aliceID))

	// Final handshake message arrives late
	bob.handler.HandlePacket(handshakePacket(aliceID, msg3), aliceID)

	assert.Equal(t, []string{"first", "second", "third"}, bob.events.private)
	assert.Zero(t, bob.handler.PendingCount(aliceID))
	assert.Len(t, bob.events.established, 1)
}

func TestPendingPayloadIsNotRequeued(t *testing.T) {
	alice := newNode(t, aliceID)
	bob := newNode(t, bobID)

	bob.handler.HandlePacket(wire.NewPacket(wire.TypeNoiseEncrypted, 7, aliceID, []byte("garbage-payload")), aliceID)
	assert.Equal(t, 1, bob.handler.PendingCount(aliceID))

	establish(t, alice, bob)

	assert.Zero(t, bob.handler.PendingCount(aliceID))
	assert.Empty(t, bob.events.private)
}

func TestPendingQueueIsBounded(t *testing.T) {
	bob := newNode(t, bobID)
	bob.handler.maxPending = 2

	for i := 0; i < 5; i++ {
		bob.handler.HandlePacket(wire.NewPacket(wire.TypeNoiseEncrypted, 7, aliceID, []byte{byte(i)}), aliceID)
	}
	assert.Equal(t, 2, bob.handler.PendingCount(aliceID))

	bob.handler.ClearAll()
	assert.Zero(t, bob.handler.PendingCount(aliceID))
}

func TestEncryptedForOtherPeerIsNotQueued(t *testing.T) {
	alice := newNode(t, aliceID)
	bob := newNode(t, bobID)

	msg1, err := alice.sessions.InitiateHandshake(bobID, alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)
	bob.handler.HandlePacket(handshakePacket(aliceID, msg1), aliceID)
	require.Len(t, bob.events.responses, 1)
	msg3, err := alice.sessions.ProcessHandshake(bobID, bob.events.responses[0], alice.keys.priv, alice.keys.pub)
	require.NoError(t, err)

	bob.handler.HandlePacket(encryptedPacket(t, alice, bobID, privateMessage(t, "hello bob")), aliceID)
	require.Equal(t, 1, bob.handler.PendingCount(aliceID))

	// Traffic alice sends to carol only passes through bob
	carol := wire.PeerIDFromHex("cccccccccccccccc")
	for i := 0; i < 64; i++ {
		p := wire.NewPacket(wire.TypeNoiseEncrypted, 7, aliceID, []byte{byte(i), 1, 2, 3, 4}).WithRecipient(carol)
		bob.handler.HandlePacket(p, aliceID)
	}
	assert.Equal(t, 1, bob.handler.PendingCount(aliceID))

	bob.handler.HandlePacket(handshakePacket(aliceID, msg3), aliceID)
	assert.Equal(t, []string{"hello bob"}, bob.events.private)
}

func TestSelfEncryptedIgnored(t *testing.T) {
	bob := newNode(t, bobID)
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeNoiseEncrypted, 7, bobID, []byte("x")), bobID)
	assert.Zero(t, bob.handler.PendingCount(bobID))
}

func TestHandleFragment_ReassemblesOutOfOrder(t *testing.T) {
	bob := newNode(t, bobID)

	raw := make([]byte, 1500)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	text := base64.StdEncoding.EncodeToString(raw)

	big := wire.NewPacket(wire.TypeMessage, 7, aliceID, []byte(text))
	envelopes, err := bob.frags.CreateEnvelopes(big)
	require.NoError(t, err)
	require.Greater(t, len(envelopes), 2)

	// Deliver last first, then the rest
	order := append([]*fragment.Envelope{envelopes[len(envelopes)-1]}, envelopes[:len(envelopes)-1]...)
	for _, env := range order {
		frag := wire.NewPacket(wire.TypeFragment, 7, aliceID, env.Encode())
		bob.handler.HandlePacket(frag, aliceID)
	}

	assert.Equal(t, len(envelopes), bob.events.fragments)
	assert.Equal(t, []string{text}, bob.events.messages)
	assert.Zero(t, bob.frags.Pending())

	// A duplicate reassembly of the same packet is suppressed
	envelopes, err = bob.frags.CreateEnvelopes(big)
	require.NoError(t, err)
	for _, env := range envelopes {
		bob.handler.HandlePacket(wire.NewPacket(wire.TypeFragment, 7, aliceID, env.Encode()), aliceID)
	}
	assert.Len(t, bob.events.messages, 1)
}

func TestHandleFragment_Malformed(t *testing.T) {
	bob := newNode(t, bobID)
	bob.handler.HandlePacket(wire.NewPacket(wire.TypeFragment, 7, aliceID, []byte{1, 2}), aliceID)
	assert.Zero(t, bob.events.fragments)
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(nil))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint([]byte("abc")))
}
