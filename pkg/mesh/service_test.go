package mesh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/filepacket"
	"github.com/WebFirstLanguage/meshwire/pkg/handler"
	"github.com/WebFirstLanguage/meshwire/pkg/identity"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// link delivers every broadcast frame to the attached services
type link struct {
	mu      sync.Mutex
	targets []*Service
	frames  [][]byte
}

func (l *link) Broadcast(frame []byte) error {
	l.mu.Lock()
	l.frames = append(l.frames, frame)
	targets := append([]*Service(nil), l.targets...)
	l.mu.Unlock()

	for _, t := range targets {
		_ = t.Receive(frame, "test-link")
	}
	return nil
}

func (l *link) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}

type recorder struct {
	handler.NopDelegate

	mu          sync.Mutex
	messages    []string
	private     []*wire.PrivateMessage
	receipts    []string
	files       []*filepacket.Packet
	established map[string]string
}

func newRecorder() *recorder {
	return &recorder{established: make(map[string]string)}
}

func (r *recorder) OnMessageReceived(_ string, text string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *recorder) OnEncryptedMessageReceived(_ string, msg *wire.PrivateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private = append(r.private, msg)
}

func (r *recorder) OnReadReceipt(_ string, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, messageID)
}

func (r *recorder) OnFileReceived(_ string, file *filepacket.Packet, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, file)
}

func (r *recorder) OnSessionEstablished(peerID, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established[peerID] = fingerprint
}

func (r *recorder) snapshot() (messages []string, private []*wire.PrivateMessage, receipts []string, files []*filepacket.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...),
		append([]*wire.PrivateMessage(nil), r.private...),
		append([]string(nil), r.receipts...),
		append([]*filepacket.Packet(nil), r.files...)
}

type node struct {
	svc *Service
	id  *identity.Identity
	out *link
	rec *recorder
}

func newNode(t *testing.T, nickname string) *node {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	id.Nickname = nickname

	n := &node{id: id, out: &link{}, rec: newRecorder()}
	n.svc, err = New(Config{
		Identity:         id,
		Outbound:         n.out,
		Delegate:         n.rec,
		AnnounceInterval: 20 * time.Millisecond,
		Logger:           logging.Discard(),
	})
	require.NoError(t, err)
	return n
}

// connect links a and b both ways and starts them
func connect(t *testing.T, a, b *node) {
	t.Helper()
	a.out.targets = []*Service{b.svc}
	b.out.targets = []*Service{a.svc}

	require.NoError(t, a.svc.Start(context.Background()))
	require.NoError(t, b.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = a.svc.Stop(ctx)
		_ = b.svc.Stop(ctx)
	})
}

func establish(t *testing.T, a, b *node) {
	t.Helper()
	require.NoError(t, a.svc.InitiateHandshake(b.svc.PeerID()))
	require.Eventually(t, func() bool {
		return a.svc.HasEstablishedSession(b.svc.PeerID()) && b.svc.HasEstablishedSession(a.svc.PeerID())
	}, waitFor, tick)
}

func TestNew_RequiresIdentityAndOutbound(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestService_Lifecycle(t *testing.T) {
	n := newNode(t, "solo")
	svc := n.svc
	assert.Equal(t, StateStopped, svc.State())

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, StateStopped, svc.State())
	assert.ErrorIs(t, svc.Stop(ctx), ErrNotRunning)
	assert.ErrorIs(t, svc.SendMessage("late"), ErrNotRunning)

	// Restart after a clean stop
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(ctx))
}

func TestService_ReceiveWhenStopped(t *testing.T) {
	a := newNode(t, "a")
	b := newNode(t, "b")

	p := wire.NewPacket(wire.TypeMessage, 3, a.svc.PeerID(), []byte("hi"))
	frame, err := wire.Encode(p)
	require.NoError(t, err)
	assert.ErrorIs(t, b.svc.Receive(frame, "x"), ErrNotRunning)
}

func TestService_AnnounceAndBroadcastMessage(t *testing.T) {
	a := newNode(t, "alice")
	b := newNode(t, "bob")
	connect(t, a, b)

	require.Eventually(t, func() bool {
		p, ok := b.svc.Peers().GetPeer(a.svc.PeerID())
		return ok && p.Nickname == "alice"
	}, waitFor, tick)

	require.NoError(t, a.svc.SendMessage("hello mesh"))
	require.Eventually(t, func() bool {
		msgs, _, _, _ := b.rec.snapshot()
		return len(msgs) == 1 && msgs[0] == "hello mesh"
	}, waitFor, tick)

	// Relayed copies returning to a are dropped as self-originated
	time.Sleep(20 * time.Millisecond)
	msgs, _, _, _ := a.rec.snapshot()
	assert.Empty(t, msgs)
}

func TestService_PrivateMessaging(t *testing.T) {
	a := newNode(t, "alice")
	b := newNode(t, "bob")
	connect(t, a, b)

	_, err := a.svc.SendPrivateMessage(b.svc.PeerID(), "too early")
	assert.ErrorIs(t, err, ErrNoSession)

	establish(t, a, b)
	assert.Equal(t, b.id.Fingerprint(), a.svc.Fingerprint(b.svc.PeerID()))
	assert.Equal(t, a.id.Fingerprint(), b.svc.Fingerprint(a.svc.PeerID()))

	id, err := a.svc.SendPrivateMessage(b.svc.PeerID(), "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, private, _, _ := b.rec.snapshot()
		return len(private) == 1
	}, waitFor, tick)
	_, private, _, _ := b.rec.snapshot()
	assert.Equal(t, id, private[0].MessageID)
	assert.Equal(t, "secret", private[0].Content)

	require.NoError(t, b.svc.SendReadReceipt(a.svc.PeerID(), id))
	require.Eventually(t, func() bool {
		_, _, receipts, _ := a.rec.snapshot()
		return len(receipts) == 1 && receipts[0] == id
	}, waitFor, tick)

	b.rec.mu.Lock()
	fp := b.rec.established[a.svc.PeerID()]
	b.rec.mu.Unlock()
	assert.Equal(t, a.id.Fingerprint(), fp)
}

func TestService_FileTransfer(t *testing.T) {
	a := newNode(t, "alice")
	b := newNode(t, "bob")
	connect(t, a, b)
	establish(t, a, b)

	require.NoError(t, a.svc.SendFile("", filepacket.New("public.txt", "text/plain", []byte("everyone"))))
	require.NoError(t, a.svc.SendFile(b.svc.PeerID(), filepacket.New("private.txt", "text/plain", []byte("just you"))))

	require.Eventually(t, func() bool {
		_, _, _, files := b.rec.snapshot()
		return len(files) == 2
	}, waitFor, tick)
	_, _, _, files := b.rec.snapshot()
	names := []string{files[0].FileName, files[1].FileName}
	assert.ElementsMatch(t, []string{"public.txt", "private.txt"}, names)
}

func TestService_FragmentsLargePackets(t *testing.T) {
	a := newNode(t, "alice")
	b := newNode(t, "bob")
	connect(t, a, b)

	raw := make([]byte, 2000)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	text := hex.EncodeToString(raw)

	before := len(a.out.sent())
	require.NoError(t, a.svc.SendMessage(text))

	var fragments int
	for _, frame := range a.out.sent()[before:] {
		p, err := wire.Decode(frame)
		require.NoError(t, err)
		if p.Type == wire.TypeFragment {
			fragments++
		}
	}
	assert.Greater(t, fragments, 1)

	require.Eventually(t, func() bool {
		msgs, _, _, _ := b.rec.snapshot()
		for _, m := range msgs {
			if m == text {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestService_RelayDecrementsTTL(t *testing.T) {
	n := newNode(t, "relay")

	p := wire.NewPacket(wire.TypeMessage, 3, "a1a2a3a4a5a6a7a8", []byte("hop"))
	n.svc.OnPacketShouldRelay(p)

	sent := n.out.sent()
	require.Len(t, sent, 1)
	fwd, err := wire.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, uint8(2), fwd.TTL)
	assert.Equal(t, uint8(3), p.TTL, "original packet is not modified")

	n.svc.OnPacketShouldRelay(wire.NewPacket(wire.TypeMessage, 1, "a1a2a3a4a5a6a7a8", nil))
	toMe := wire.NewPacket(wire.TypeMessage, 5, "a1a2a3a4a5a6a7a8", nil).WithRecipient(n.id.WirePeerID())
	n.svc.OnPacketShouldRelay(toMe)
	assert.Len(t, n.out.sent(), 1)
}

func TestService_ReceiveDropsGarbage(t *testing.T) {
	n := newNode(t, "solo")
	require.NoError(t, n.svc.Start(context.Background()))
	defer func() { _ = n.svc.Stop(context.Background()) }()

	assert.NoError(t, n.svc.Receive([]byte{0xde, 0xad}, "x"))
	assert.NoError(t, n.svc.Receive(nil, "x"))
}

func TestService_TimestampsAreUnique(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	svc, err := New(Config{
		Identity: id,
		Outbound: OutboundFunc(func([]byte) error { return nil }),
		Now:      func() time.Time { return fixed },
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	first := svc.nextTimestamp()
	second := svc.nextTimestamp()
	assert.Equal(t, uint64(fixed.UnixMilli()), first)
	assert.Equal(t, first+1, second)
}

func startQuiet(t *testing.T, cfg Config) *Service {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)

	cfg.Identity = id
	cfg.Outbound = OutboundFunc(func([]byte) error { return nil })
	cfg.Logger = logging.Discard()
	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func frameFrom(t *testing.T, sender int) []byte {
	t.Helper()
	p := wire.NewPacket(wire.TypeMessage, 1, fmt.Sprintf("%016x", sender), []byte("hi"))
	frame, err := wire.Encode(p)
	require.NoError(t, err)
	return frame
}

func TestService_IdleInboxesAreRetired(t *testing.T) {
	svc := startQuiet(t, Config{InboxIdleTimeout: 30 * time.Millisecond})

	for i := 1; i <= 20; i++ {
		require.NoError(t, svc.Receive(frameFrom(t, i), "test-link"))
	}
	assert.Equal(t, 20, svc.activeInboxes())

	require.Eventually(t, func() bool { return svc.activeInboxes() == 0 }, waitFor, tick)

	// A retired sender gets a fresh actor on its next packet
	require.NoError(t, svc.Receive(frameFrom(t, 1), "test-link"))
	assert.Equal(t, 1, svc.activeInboxes())
	require.Eventually(t, func() bool { return svc.activeInboxes() == 0 }, waitFor, tick)
}

func TestService_InboxActorsAreCapped(t *testing.T) {
	svc := startQuiet(t, Config{MaxInboxes: 2, InboxIdleTimeout: time.Minute})

	for i := 1; i <= 5; i++ {
		require.NoError(t, svc.Receive(frameFrom(t, i), "test-link"))
	}
	assert.Equal(t, 2, svc.activeInboxes())

	// Known senders still get through at the cap
	require.NoError(t, svc.Receive(frameFrom(t, 1), "test-link"))
	assert.Equal(t, 2, svc.activeInboxes())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
