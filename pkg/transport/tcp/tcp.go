// Package tcp carries relay links over TCP with TLS 1.3, for networks where
// UDP is blocked.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/transport"
)

const (
	dialTimeout      = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	keepAlive        = 30 * time.Second
)

// Transport opens relay links over TCP+TLS
type Transport struct{}

// New returns the TCP transport
func New() transport.Transport {
	return &Transport{}
}

func (t *Transport) Name() string     { return "tcp" }
func (t *Transport) DefaultPort() int { return constants.DefaultRelayPort }

// Listen accepts relay links on addr
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lc := net.ListenConfig{KeepAlive: keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for relay links on %s: %w", addr, err)
	}
	return &listener{ln: ln, tlsConfig: transport.PrepareTLS(tlsConfig)}, nil
}

// Dial connects to addr and completes the TLS handshake
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive},
		Config:    transport.PrepareTLS(tlsConfig),
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", addr, err)
	}

	conn := nc.(*tls.Conn)
	if err := transport.VerifyLink(conn.ConnectionState()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

type listener struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

// Accept returns the next link that completes its handshake. The handshake
// is bounded so a silent client cannot hold the accept loop.
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn := tls.Server(nc, l.tlsConfig)
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("relay handshake with %s failed: %w", nc.RemoteAddr(), err)
	}
	if err := transport.VerifyLink(conn.ConnectionState()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *listener) Close() error   { return l.ln.Close() }
func (l *listener) Addr() net.Addr { return l.ln.Addr() }
