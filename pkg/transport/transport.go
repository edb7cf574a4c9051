// Package transport carries encoded mesh frames between relay nodes over
// QUIC or TCP+TLS. It moves bytes only: peer identity and confidentiality
// come from the Noise layer above, so links use self-signed certificates.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// ErrWrongProtocol is returned when a link negotiated an ALPN protocol other
// than the relay protocol
var ErrWrongProtocol = errors.New("transport: peer does not speak " + constants.RelayALPN)

// Transport opens relay links over one network protocol
type Transport interface {
	// Listen accepts relay links on addr
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial opens a relay link to addr
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name is the key the transport is registered under ("quic", "tcp")
	Name() string

	// DefaultPort is used for peer addresses given without a port
	DefaultPort() int
}

// Listener yields inbound relay links
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is one established relay link: an ordered byte stream that FrameConn
// splits into packets
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddr names the link in logs and in the Hub
	RemoteAddr() net.Addr

	// ConnectionState returns the TLS state negotiated for the link
	ConnectionState() tls.ConnectionState
}

// VerifyLink checks that a completed handshake selected the relay protocol
func VerifyLink(state tls.ConnectionState) error {
	if !state.HandshakeComplete {
		return fmt.Errorf("transport: handshake not complete")
	}
	if state.NegotiatedProtocol != constants.RelayALPN {
		return fmt.Errorf("%w (negotiated %q)", ErrWrongProtocol, state.NegotiatedProtocol)
	}
	return nil
}

// WithDefaultPort appends the transport's default port to addr when addr
// has none
func WithDefaultPort(addr string, t Transport) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(t.DefaultPort()))
}

// Registry maps transport names to transports
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register adds t under t.Name(), replacing any earlier entry
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get looks a transport up by name
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// List returns the registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
