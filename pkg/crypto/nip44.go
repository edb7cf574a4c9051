package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

var (
	ErrNIP44Format  = errors.New("crypto: not a v2 NIP-44 ciphertext")
	ErrNIP44Decrypt = errors.New("crypto: NIP-44 decryption failed")
)

// DeriveNIP44Key expands an ECDH shared secret into the 32-byte message key
// with HKDF-SHA256, an empty salt and the "nip44-v2" info string
func DeriveNIP44Key(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(constants.NIP44KeyInfo))
	key := make([]byte, constants.NIP44KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive NIP-44 key: %w", err)
	}
	return key, nil
}

func nip44Key(priv, xOnly []byte, oddY bool) ([]byte, error) {
	shared, err := sharedPoint(priv, xOnly, oddY)
	if err != nil {
		return nil, err
	}
	return DeriveNIP44Key(shared)
}

// EncryptNIP44 seals plaintext for the holder of recipientPub. The shared
// point is computed against the even-Y lift of the recipient key. The result
// is "v2:" followed by unpadded base64url of nonce, ciphertext and tag.
func EncryptNIP44(plaintext string, recipientPub, senderPriv []byte) (string, error) {
	key, err := nip44Key(senderPriv, recipientPub, false)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return constants.NIP44VersionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptNIP44 opens a v2 ciphertext from the holder of senderPub. Both
// Y-parity lifts of the sender key are tried, since senders may have
// committed to either.
func DecryptNIP44(ciphertext string, senderPub, recipientPriv []byte) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, constants.NIP44VersionPrefix)
	if !ok {
		return "", ErrNIP44Format
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNIP44Format, err)
	}
	if len(data) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: %d bytes", ErrNIP44Format, len(data))
	}
	nonce, sealed := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]

	var lastErr error = ErrNIP44Decrypt
	for _, oddY := range []bool{false, true} {
		key, err := nip44Key(recipientPriv, senderPub, oddY)
		if err != nil {
			lastErr = err
			continue
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return string(plaintext), nil
		}
		lastErr = ErrNIP44Decrypt
	}
	return "", lastErr
}
