// Package fragment splits oversized encoded packets into transport-sized
// chunks and reassembles them on the receiving side. Incomplete groups are
// purged after a fixed timeout by a sweep that runs independently of arrival.
package fragment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// ErrTooManyFragments is returned when a packet would need more fragments
// than an envelope can number
var ErrTooManyFragments = errors.New("fragment: packet too large to fragment")

// Config holds fragment manager configuration
type Config struct {
	Threshold   int
	MaxFragment int
	Timeout     time.Duration
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

type group struct {
	id        ID
	indexed   map[uint16][]byte
	total     uint16
	firstSeen time.Time
}

// Manager tracks in-flight reassembly groups
type Manager struct {
	mu     sync.Mutex
	groups map[string]*group

	threshold   int
	maxFragment int
	timeout     time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
}

// NewManager creates a fragment manager. Zero config fields take the
// protocol defaults.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		groups:      make(map[string]*group),
		threshold:   cfg.Threshold,
		maxFragment: cfg.MaxFragment,
		timeout:     cfg.Timeout,
		now:         cfg.Now,
		log:         logging.Component(cfg.Logger, "fragment"),
	}
	if m.threshold <= 0 {
		m.threshold = constants.FragmentThreshold
	}
	if m.maxFragment <= 0 {
		m.maxFragment = constants.MaxFragmentSize
	}
	if m.timeout <= 0 {
		m.timeout = constants.FragmentTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// NeedsFragmentation reports whether the encoded packet exceeds the threshold
func (m *Manager) NeedsFragmentation(p *wire.Packet) bool {
	data, err := wire.Encode(p)
	if err != nil {
		return false
	}
	return len(data) > m.threshold
}

// CreateFragments encodes the packet and splits it into self-describing
// chunks of at most MaxFragment bytes. Each chunk is an encoded Envelope, so
// it carries its own index and the group size. A packet that fits is still
// returned as a single chunk.
func (m *Manager) CreateFragments(p *wire.Packet) ([][]byte, error) {
	data, err := wire.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet for fragmentation: %w", err)
	}

	envelopes, err := m.number(data, m.maxFragment-constants.FragmentHeaderSize)
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, len(envelopes))
	for i, e := range envelopes {
		chunks[i] = e.Encode()
	}
	return chunks, nil
}

// CreateEnvelopes fragments the packet and numbers each chunk under a fresh
// group identifier
func (m *Manager) CreateEnvelopes(p *wire.Packet) ([]*Envelope, error) {
	data, err := wire.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet for fragmentation: %w", err)
	}
	return m.number(data, m.maxFragment)
}

func (m *Manager) number(data []byte, size int) ([]*Envelope, error) {
	var chunks [][]byte
	if len(data) <= m.threshold {
		chunks = [][]byte{data}
	} else {
		for off := 0; off < len(data); off += size {
			chunks = append(chunks, data[off:min(off+size, len(data))])
		}
	}
	if len(chunks) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d fragments", ErrTooManyFragments, len(chunks))
	}

	id := NewID(data)
	envelopes := make([]*Envelope, len(chunks))
	for i, c := range chunks {
		envelopes[i] = &Envelope{
			ID:    id,
			Index: uint16(i),
			Total: uint16(len(chunks)),
			Data:  c,
		}
	}
	return envelopes, nil
}

// HandleFragment stores one chunk produced by CreateFragments under
// fragmentID. Chunks are placed by the index they carry and the packet is
// decoded only once every index of the group is present, so reordered
// delivery can neither complete early nor produce scrambled content. isLast
// is the transport's marker; a marker that disagrees with the chunk's own
// position is logged and ignored. Until the group is complete it returns
// (nil, nil).
func (m *Manager) HandleFragment(fragmentID string, chunk []byte, isLast bool) (*wire.Packet, error) {
	e, err := DecodeEnvelope(chunk)
	if err != nil {
		return nil, err
	}
	if isLast != e.IsLast() {
		m.log.WithFields(logrus.Fields{
			"fragment_id": fragmentID,
			"index":       e.Index,
			"total":       e.Total,
		}).Debug("last-fragment marker does not match fragment position")
	}
	return m.store(fragmentID, e)
}

// HandleEnvelope stores a numbered fragment keyed by its group identifier.
// The packet is reassembled by index only once every fragment of the group
// is present, so arrival order does not matter. Until then it returns
// (nil, nil).
func (m *Manager) HandleEnvelope(e *Envelope) (*wire.Packet, error) {
	return m.store(e.ID.String(), e)
}

func (m *Manager) store(key string, e *Envelope) (*wire.Packet, error) {
	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		g = &group{
			id:        e.ID,
			indexed:   make(map[uint16][]byte, e.Total),
			total:     e.Total,
			firstSeen: m.now(),
		}
		m.groups[key] = g
	}
	if g.id != e.ID || g.total != e.Total {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: fragment of %s does not belong to group %s", ErrInvalidEnvelope, e.ID, key)
	}
	g.indexed[e.Index] = bytes.Clone(e.Data)

	if len(g.indexed) < int(g.total) {
		m.mu.Unlock()
		return nil, nil
	}

	delete(m.groups, key)
	m.mu.Unlock()

	parts := make([][]byte, g.total)
	for i := range parts {
		parts[i] = g.indexed[uint16(i)]
	}
	return m.decode(key, bytes.Join(parts, nil))
}

func (m *Manager) decode(id string, data []byte) (*wire.Packet, error) {
	p, err := wire.Decode(data)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"fragment_id": id,
			"size":        len(data),
		}).Debug("reassembled fragments did not decode")
		return nil, fmt.Errorf("failed to decode reassembled packet: %w", err)
	}
	return p, nil
}

// CleanupExpired removes groups first seen more than the timeout ago and
// returns how many were purged
func (m *Manager) CleanupExpired() int {
	cutoff := m.now().Add(-m.timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, g := range m.groups {
		if g.firstSeen.Before(cutoff) {
			delete(m.groups, id)
			purged++
		}
	}
	if purged > 0 {
		m.log.WithField("purged", purged).Debug("expired fragment groups removed")
	}
	return purged
}

// Run sweeps expired groups every half timeout until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// Pending returns the number of incomplete groups
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Shutdown drops all reassembly state
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]*group)
}
