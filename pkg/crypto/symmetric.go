package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

var (
	ErrInvalidAESKey = errors.New("crypto: AES key must be 32 bytes")
	ErrAESCiphertext = errors.New("crypto: AES-GCM ciphertext too short")
)

// Digest returns the SHA-256 hash of data
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HMACSHA256 returns the HMAC-SHA256 of msg under key
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// DeriveAESKey stretches a password into a 32-byte key with PBKDF2-HMAC-SHA256
func DeriveAESKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, constants.AESKeyIterations, constants.AESKeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != constants.AESKeySize {
		return nil, ErrInvalidAESKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptAESGCM seals plaintext and returns iv(12) | ciphertext | tag
func EncryptAESGCM(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, constants.AESNonceSize, constants.AESNonceSize+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// DecryptAESGCM opens data produced by EncryptAESGCM
func DecryptAESGCM(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < constants.AESNonceSize+gcm.Overhead() {
		return nil, ErrAESCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:constants.AESNonceSize], data[constants.AESNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt AES-GCM payload: %w", err)
	}
	return plaintext, nil
}

// RandomizeTimestampUpToPast returns the current Unix time in seconds minus
// a uniformly random offset in [0, maxPastSeconds]. A non-positive bound uses
// the two-day default.
func RandomizeTimestampUpToPast(maxPastSeconds int64) int64 {
	if maxPastSeconds <= 0 {
		maxPastSeconds = constants.DefaultTimestampJitter
	}
	now := time.Now().Unix()

	offset, err := rand.Int(rand.Reader, big.NewInt(maxPastSeconds+1))
	if err != nil {
		return now
	}
	return now - offset.Int64()
}
