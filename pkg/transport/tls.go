package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// SelfSignedTLSConfig returns a TLS 1.3 config with a fresh Ed25519
// certificate. Certificates are not verified; relay peers authenticate
// through Noise.
func SelfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"meshwire relay"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos:         []string{constants.RelayALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}, nil
}

// PrepareTLS clones cfg for a relay link: the ALPN list is always the relay
// protocol alone and the version floor is TLS 1.3
func PrepareTLS(cfg *tls.Config) *tls.Config {
	out := cfg.Clone()
	if out == nil {
		out = &tls.Config{InsecureSkipVerify: true}
	}
	out.NextProtos = []string{constants.RelayALPN}
	if out.MinVersion < tls.VersionTLS13 {
		out.MinVersion = tls.VersionTLS13
	}
	return out
}
