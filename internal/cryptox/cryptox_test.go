package cryptox_test

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/platform/internal/cryptox"
)

func testKeyring(t *testing.T, versions ...int) *cryptox.Keyring {
	t.Helper()
	var entries []cryptox.KeyEntry
	for _, v := range versions {
		key := make([]byte, 32)
		for i := range key {
			key[i] = byte(v*7 + i)
		}
		entries = append(entries, cryptox.KeyEntry{Version: v, Key: key})
	}
	kr, err := cryptox.NewKeyring(entries)
	require.NoError(t, err)
	return kr
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := testKeyring(t, 1)
	plaintext := []byte("hello")

	ct, err := kr.Encrypt(plaintext, nil)
	require.NoError(t, err)

	got, err := kr.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptDecryptRoundTrip_WithAAD(t *testing.T) {
	kr := testKeyring(t, 1)
	aad := []byte("context")
	ct, err := kr.Encrypt([]byte("hello"), aad)
	require.NoError(t, err)

	got, err := kr.Decrypt(ct, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = kr.Decrypt(ct, []byte("wrong"))
	require.ErrorIs(t, err, cryptox.ErrOpFailed)
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	kr := testKeyring(t, 1)
	a, err := kr.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	b, err := kr.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncrypt_LengthInvariant(t *testing.T) {
	kr := testKeyring(t, 1)
	plaintext := []byte("hello world")
	ct, err := kr.Encrypt(plaintext, nil)
	require.NoError(t, err)
	assert.Equal(t, cryptox.MinCiphertextLen+len(plaintext), len(ct))
}

// S2: flip a bit in the ciphertext body, decrypt must fail with OP_FAILED.
func TestDecrypt_TamperDetection(t *testing.T) {
	kr := testKeyring(t, 1)
	ct, err := kr.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[13] ^= 0x01

	_, err = kr.Decrypt(tampered, nil)
	require.ErrorIs(t, err, cryptox.ErrOpFailed)
}

func TestDecrypt_UnknownVersion(t *testing.T) {
	kr := testKeyring(t, 1)
	ct, err := kr.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	ct[0] = 99

	_, err = kr.Decrypt(ct, nil)
	require.True(t, errors.Is(err, cryptox.ErrKeyNotFound))
}

func TestDecrypt_TooShort(t *testing.T) {
	kr := testKeyring(t, 1)
	_, err := kr.Decrypt(make([]byte, cryptox.MinCiphertextLen-1), nil)
	require.ErrorIs(t, err, cryptox.ErrInvalidFormat)
}

func TestReencrypt_UpgradesVersion(t *testing.T) {
	v1 := testKeyring(t, 1)
	ctV1, err := v1.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, int(ctV1[0]))

	// Re-derive a {1,2} keyring sharing v1's key material so Decrypt(ctV1) succeeds.
	combined, err := cryptox.NewKeyring([]cryptox.KeyEntry{
		{Version: 1, Key: keyFor(t, 1)},
		{Version: 2, Key: keyFor(t, 2)},
	})
	require.NoError(t, err)

	ctV2, err := combined.Reencrypt(ctV1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, int(ctV2[0]))

	got, err := combined.Decrypt(ctV2, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestReencrypt_NoopAtCurrentVersion(t *testing.T) {
	kr := testKeyring(t, 1)
	ct, err := kr.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)

	same, err := kr.Reencrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, ct, same)
}

func keyFor(t *testing.T, v int) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(v*7 + i)
	}
	return key
}

func TestHashConformance(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", cryptox.Hash(""))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", cryptox.Hash("abc"))
}

func TestHMACConformance(t *testing.T) {
	// RFC 4231 TC2.
	got := cryptox.HMAC("Jefe", "what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestPair_HashMatches(t *testing.T) {
	p, err := cryptox.NewPair()
	require.NoError(t, err)
	assert.Equal(t, cryptox.Hash(p.Token), p.Hash)
}

func TestPair_NoCollisionsOverManyDraws(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p, err := cryptox.NewPair()
		require.NoError(t, err)
		assert.False(t, seen[p.Token])
		seen[p.Token] = true
	}
}

func TestCompare(t *testing.T) {
	assert.True(t, cryptox.Compare("abc", "abc"))
	assert.False(t, cryptox.Compare("abc", "abd"))
}

func TestKeyringFromEnv_KeysTakesPrecedence(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(keyFor(t, 1))
	k2 := base64.StdEncoding.EncodeToString(keyFor(t, 2))
	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(keyFor(t, 9)))
	t.Setenv("ENCRYPTION_KEYS", "1="+k1+",2="+k2)

	kr, err := cryptox.KeyringFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, kr.CurrentVersion())
}
