// Package crypto holds the public-key and symmetric primitives used by the
// mesh and relay paths: secp256k1 keys with BIP-340 Schnorr signatures,
// Ed25519 packet signing, X25519 static keys, NIP-44 v2 relay encryption and
// AES-GCM/HMAC helpers. Every function is stateless.
package crypto

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PrivateKeySize is the size of a secp256k1 scalar
	PrivateKeySize = 32
	// XOnlyPublicKeySize is the size of a BIP-340 public key
	XOnlyPublicKeySize = 32
	// SchnorrSignatureSize is the size of a BIP-340 signature
	SchnorrSignatureSize = 64
	// HashSize is the digest size Schnorr signatures commit to
	HashSize = 32
)

var (
	ErrInvalidPrivateKey = errors.New("crypto: invalid secp256k1 private key")
	ErrInvalidPublicKey  = errors.New("crypto: invalid secp256k1 public key")
	ErrInvalidHash       = errors.New("crypto: hash must be 32 bytes")
)

// GenerateKeyPair creates a secp256k1 key pair and returns the 32-byte
// private scalar and the 32-byte x-only public key
func GenerateKeyPair() (priv, pub []byte, err error) {
	key, err := secp.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return key.Serialize(), schnorr.SerializePubKey(key.PubKey()), nil
}

// DerivePublicKey returns the x-only public key for a private scalar
func DerivePublicKey(priv []byte) ([]byte, error) {
	if !IsValidPrivateKey(priv) {
		return nil, ErrInvalidPrivateKey
	}
	_, pub := btcec.PrivKeyFromBytes(priv)
	return schnorr.SerializePubKey(pub), nil
}

// IsValidPrivateKey reports whether priv is a 32-byte scalar in [1, n-1]
func IsValidPrivateKey(priv []byte) bool {
	if len(priv) != PrivateKeySize {
		return false
	}
	var s secp.ModNScalar
	overflow := s.SetByteSlice(priv)
	return !overflow && !s.IsZero()
}

// IsValidPublicKey reports whether pub is an x coordinate on the curve
func IsValidPublicKey(pub []byte) bool {
	if len(pub) != XOnlyPublicKeySize {
		return false
	}
	_, err := schnorr.ParsePubKey(pub)
	return err == nil
}

// SchnorrSign produces a BIP-340 signature over a 32-byte hash
func SchnorrSign(hash, priv []byte) ([]byte, error) {
	if len(hash) != HashSize {
		return nil, ErrInvalidHash
	}
	if !IsValidPrivateKey(priv) {
		return nil, ErrInvalidPrivateKey
	}

	key, _ := btcec.PrivKeyFromBytes(priv)
	sig, err := schnorr.Sign(key, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig.Serialize(), nil
}

// SchnorrVerify checks a BIP-340 signature against an x-only public key
func SchnorrVerify(hash, sig, pub []byte) bool {
	if len(hash) != HashSize || len(sig) != SchnorrSignatureSize {
		return false
	}
	key, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(hash, key)
}

// sharedPoint multiplies the x-only public key, lifted with the requested Y
// parity, by the private scalar and returns the compressed 33-byte result
func sharedPoint(priv, xOnly []byte, oddY bool) ([]byte, error) {
	if len(xOnly) != XOnlyPublicKeySize {
		return nil, ErrInvalidPublicKey
	}

	prefix := byte(secp.PubKeyFormatCompressedEven)
	if oddY {
		prefix = secp.PubKeyFormatCompressedOdd
	}
	compressed := make([]byte, 0, 1+XOnlyPublicKeySize)
	compressed = append(compressed, prefix)
	compressed = append(compressed, xOnly...)

	pub, err := secp.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if len(priv) != PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	var scalar secp.ModNScalar
	if overflow := scalar.SetByteSlice(priv); overflow || scalar.IsZero() {
		return nil, ErrInvalidPrivateKey
	}

	var point, result secp.JacobianPoint
	pub.AsJacobian(&point)
	secp.ScalarMultNonConst(&scalar, &point, &result)
	result.ToAffine()

	return secp.NewPublicKey(&result.X, &result.Y).SerializeCompressed(), nil
}
