// Package quic carries relay links over QUIC. A link is one connection with
// one bidirectional stream; the dialer opens it and the acceptor sees it
// once the first frame (the Hub's hello) arrives.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/transport"
)

const (
	idleTimeout = 5 * time.Minute
	keepAlive   = 30 * time.Second

	// Application error codes sent on close
	codeNormal   quic.ApplicationErrorCode = 0
	codeProtocol quic.ApplicationErrorCode = 1
)

func linkConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
		// Relay links never open more than one stream
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Transport opens relay links over QUIC
type Transport struct{}

// New returns the QUIC transport
func New() transport.Transport {
	return &Transport{}
}

func (t *Transport) Name() string     { return "quic" }
func (t *Transport) DefaultPort() int { return constants.DefaultRelayPort }

// Listen binds a UDP socket on addr and accepts relay links on it
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve relay address %s: %w", addr, err)
	}

	ln, err := quic.ListenAddr(udpAddr.String(), transport.PrepareTLS(tlsConfig), linkConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen for relay links on %s: %w", addr, err)
	}
	return &listener{ln: ln}, nil
}

// Dial connects to addr and opens the link's stream
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qc, err := quic.DialAddr(ctx, addr, transport.PrepareTLS(tlsConfig), linkConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", addr, err)
	}
	if err := transport.VerifyLink(qc.ConnectionState().TLS); err != nil {
		_ = qc.CloseWithError(codeProtocol, err.Error())
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(codeProtocol, "no stream")
		return nil, fmt.Errorf("failed to open relay stream to %s: %w", addr, err)
	}
	return &link{qc: qc, stream: stream}, nil
}

type listener struct {
	ln *quic.Listener
}

// Accept returns the next link whose stream has become visible
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	if err := transport.VerifyLink(qc.ConnectionState().TLS); err != nil {
		_ = qc.CloseWithError(codeProtocol, err.Error())
		return nil, err
	}

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(codeProtocol, "no stream")
		return nil, fmt.Errorf("relay %s opened no stream: %w", qc.RemoteAddr(), err)
	}
	return &link{qc: qc, stream: stream}, nil
}

func (l *listener) Close() error   { return l.ln.Close() }
func (l *listener) Addr() net.Addr { return l.ln.Addr() }

// link is one relay connection and its single stream
type link struct {
	qc     *quic.Conn
	stream *quic.Stream
}

func (c *link) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *link) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *link) RemoteAddr() net.Addr        { return c.qc.RemoteAddr() }

func (c *link) ConnectionState() tls.ConnectionState {
	return c.qc.ConnectionState().TLS
}

// Close ends the stream and the connection with it
func (c *link) Close() error {
	serr := c.stream.Close()
	if err := c.qc.CloseWithError(codeNormal, "link closed"); err != nil {
		return err
	}
	return serr
}
