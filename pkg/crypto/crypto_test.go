package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, priv, PrivateKeySize)
	assert.Len(t, pub, XOnlyPublicKeySize)
	assert.True(t, IsValidPrivateKey(priv))
	assert.True(t, IsValidPublicKey(pub))

	derived, err := DerivePublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestDerivePublicKey_KnownVector(t *testing.T) {
	priv := mustHex(t, "0000000000000000000000000000000000000000000000000000000000000003")
	pub, err := DerivePublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9", hex.EncodeToString(pub))
}

func TestIsValidPrivateKey(t *testing.T) {
	order := mustHex(t, "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	orderMinusOne := mustHex(t, "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364140")

	assert.False(t, IsValidPrivateKey(make([]byte, 32)), "zero")
	assert.False(t, IsValidPrivateKey(order), "curve order")
	assert.True(t, IsValidPrivateKey(orderMinusOne))
	assert.False(t, IsValidPrivateKey([]byte{1}), "short")
}

func TestIsValidPublicKey(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, IsValidPublicKey(pub))

	// x exceeds the field prime
	overflow := bytes.Repeat([]byte{0xff}, 32)
	assert.False(t, IsValidPublicKey(overflow))
	assert.False(t, IsValidPublicKey(pub[:31]))
}

func TestSchnorr_SignVerify(t *testing.T) {
	for i := 0; i < 5; i++ {
		priv, pub, err := GenerateKeyPair()
		require.NoError(t, err)
		hash := Digest([]byte{byte(i), 'm', 's', 'g'})

		sig, err := SchnorrSign(hash, priv)
		require.NoError(t, err)
		assert.Len(t, sig, SchnorrSignatureSize)
		assert.True(t, SchnorrVerify(hash, sig, pub))

		other := Digest([]byte("other"))
		assert.False(t, SchnorrVerify(other, sig, pub))

		tampered := bytes.Clone(sig)
		tampered[10] ^= 0x01
		assert.False(t, SchnorrVerify(hash, tampered, pub))
	}
}

func TestSchnorrVerify_BIP340Vector(t *testing.T) {
	pub := mustHex(t, "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9")
	msg := make([]byte, 32)
	sig := mustHex(t, "e907831f80848d1069a5371b402410364bdf1c5f8307b0084c55f1ce2dca8215"+
		"25f66a4a85ea8b71e482a74f382d2ce5ebeee8fdb2172f477df4900d310536c0")
	assert.True(t, SchnorrVerify(msg, sig, pub))
}

func TestSchnorrSign_Rejects(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SchnorrSign([]byte("short"), priv)
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = SchnorrSign(make([]byte, 32), make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestNIP44_RoundTrip(t *testing.T) {
	alicePriv, alicePub, err := GenerateKeyPair()
	require.NoError(t, err)
	bobPriv, bobPub, err := GenerateKeyPair()
	require.NoError(t, err)

	messages := []string{"hi", "", "über ☃ unicode", strings.Repeat("long ", 500)}
	for _, msg := range messages {
		ct, err := EncryptNIP44(msg, bobPub, alicePriv)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ct, "v2:"))
		assert.NotContains(t, ct, "=")

		pt, err := DecryptNIP44(ct, alicePub, bobPriv)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)

		// The sender can also read what it sent
		pt, err = DecryptNIP44(ct, bobPub, alicePriv)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)
	}
}

func TestNIP44_Rejects(t *testing.T) {
	alicePriv, alicePub, err := GenerateKeyPair()
	require.NoError(t, err)
	bobPriv, bobPub, err := GenerateKeyPair()
	require.NoError(t, err)
	evePriv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := EncryptNIP44("secret", bobPub, alicePriv)
	require.NoError(t, err)

	_, err = DecryptNIP44(ct, alicePub, evePriv)
	assert.ErrorIs(t, err, ErrNIP44Decrypt)

	_, err = DecryptNIP44(strings.TrimPrefix(ct, "v2:"), alicePub, bobPriv)
	assert.ErrorIs(t, err, ErrNIP44Format)

	_, err = DecryptNIP44("v2:!!!", alicePub, bobPriv)
	assert.ErrorIs(t, err, ErrNIP44Format)

	_, err = DecryptNIP44("v2:AAAA", alicePub, bobPriv)
	assert.ErrorIs(t, err, ErrNIP44Format)

	tampered := []byte(ct)
	tampered[len(tampered)-5] ^= 0x01
	_, err = DecryptNIP44(string(tampered), alicePub, bobPriv)
	assert.Error(t, err)
}

func TestDeriveNIP44Key(t *testing.T) {
	a, err := DeriveNIP44Key([]byte("shared"))
	require.NoError(t, err)
	b, err := DeriveNIP44Key([]byte("shared"))
	require.NoError(t, err)
	c, err := DeriveNIP44Key([]byte("different"))
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEd25519(t *testing.T) {
	seed, pub, err := GenerateEd25519KeyPair()
	require.NoError(t, err)
	assert.Len(t, seed, 32)

	derived, err := DeriveEd25519PublicKey(seed)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)

	sig, err := Ed25519Sign([]byte("packet"), seed)
	require.NoError(t, err)
	assert.True(t, Ed25519Verify([]byte("packet"), sig, pub))
	assert.False(t, Ed25519Verify([]byte("packet!"), sig, pub))
	assert.False(t, Ed25519Verify([]byte("packet"), sig[:10], pub))

	_, err = Ed25519Sign([]byte("x"), []byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestX25519_KnownVector(t *testing.T) {
	priv := mustHex(t, "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a")
	pub, err := DeriveX25519PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a", hex.EncodeToString(pub))

	clamped := ClampX25519(priv)
	assert.Zero(t, clamped[0]&7)
	assert.Equal(t, byte(64), clamped[31]&0xC0)
	assert.Equal(t, byte(0x77), priv[0], "input is not modified")

	_, err = DeriveX25519PublicKey([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidX25519Key)

	genPriv, genPub, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	again, err := DeriveX25519PublicKey(genPriv)
	require.NoError(t, err)
	assert.Equal(t, genPub, again)
}

func TestDigestAndHMAC(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		hex.EncodeToString(Digest([]byte("abc"))))

	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		hex.EncodeToString(HMACSHA256([]byte("Jefe"), []byte("what do ya want for nothing?"))))
}

func TestAESGCM(t *testing.T) {
	key := DeriveAESKey([]byte("correct horse"), []byte("salt"))
	require.Len(t, key, 32)
	assert.Equal(t, key, DeriveAESKey([]byte("correct horse"), []byte("salt")))

	ct, err := EncryptAESGCM([]byte("attachment"), key)
	require.NoError(t, err)
	assert.Len(t, ct, 12+len("attachment")+16)

	pt, err := DecryptAESGCM(ct, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment"), pt)

	wrong := DeriveAESKey([]byte("wrong"), []byte("salt"))
	_, err = DecryptAESGCM(ct, wrong)
	assert.Error(t, err)

	_, err = DecryptAESGCM(ct[:20], key)
	assert.ErrorIs(t, err, ErrAESCiphertext)

	_, err = EncryptAESGCM([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidAESKey)
}

func TestRandomizeTimestampUpToPast(t *testing.T) {
	now := time.Now().Unix()
	for i := 0; i < 50; i++ {
		ts := RandomizeTimestampUpToPast(0)
		assert.LessOrEqual(t, ts, now+1)
		assert.GreaterOrEqual(t, ts, now-172800)
	}

	ts := RandomizeTimestampUpToPast(1)
	assert.GreaterOrEqual(t, ts, now-1)
}
