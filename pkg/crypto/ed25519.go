package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// X25519KeySize is the size of X25519 private and public keys
const X25519KeySize = curve25519.ScalarSize

var (
	ErrInvalidSeed      = errors.New("crypto: Ed25519 seed must be 32 bytes")
	ErrInvalidX25519Key = errors.New("crypto: X25519 key must be 32 bytes")
)

// GenerateEd25519KeyPair returns a fresh 32-byte Ed25519 seed and its public key
func GenerateEd25519KeyPair() (seed, pub []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	return privKey.Seed(), []byte(pubKey), nil
}

// DeriveEd25519PublicKey returns the public key for a 32-byte seed
func DeriveEd25519PublicKey(seed []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return []byte(priv.Public().(ed25519.PublicKey)), nil
}

// Ed25519Sign signs msg with the key derived from a 32-byte seed
func Ed25519Sign(msg, seed []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(seed), msg), nil
}

// Ed25519Verify checks an Ed25519 signature
func Ed25519Verify(msg, sig, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// ClampX25519 applies the X25519 scalar clamping to a copy of priv
func ClampX25519(priv []byte) []byte {
	out := make([]byte, len(priv))
	copy(out, priv)
	if len(out) == X25519KeySize {
		out[0] &= 248
		out[31] &= 127
		out[31] |= 64
	}
	return out
}

// GenerateX25519KeyPair returns a clamped X25519 private key and its public key
func GenerateX25519KeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, X25519KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	priv = ClampX25519(priv)
	pub, err = DeriveX25519PublicKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// DeriveX25519PublicKey returns the public key for a private key after clamping
func DeriveX25519PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != X25519KeySize {
		return nil, ErrInvalidX25519Key
	}
	pub, err := curve25519.X25519(ClampX25519(priv), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}
	return pub, nil
}
