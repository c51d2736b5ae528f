package frame

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)

	plaintexts := [][]byte{
		[]byte("a"),
		[]byte("hello sealdrop"),
		make([]byte, 10*1024),
	}
	_, err := rand.Read(plaintexts[2])
	require.NoError(t, err)

	for _, plaintext := range plaintexts {
		sealed, err := Seal(key, plaintext)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext)+Overhead, len(sealed))

		opened, err := Open(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSeal_FreshIVPerFrame(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same input twice")

	first, err := Seal(key, plaintext)
	require.NoError(t, err)
	second, err := Seal(key, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first[:IVSize], second[:IVSize])
	assert.NotEqual(t, first, second)
}

func TestOpen_TamperedFrameFails(t *testing.T) {
	key := testKey(t)

	sealed, err := Seal(key, []byte("tamper target"))
	require.NoError(t, err)

	// Flip one bit in every byte position: IV, ciphertext and tag must all
	// be covered by the integrity check.
	for i := range sealed {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		plaintext, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrAuthentication, "bit flip at offset %d", i)
		assert.Nil(t, plaintext)
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	sealed, err := Seal(testKey(t), []byte("secret"))
	require.NoError(t, err)

	plaintext, err := Open(testKey(t), sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Nil(t, plaintext)
}

func TestOpen_ShortFrame(t *testing.T) {
	_, err := Open(testKey(t), make([]byte, Overhead-1))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestSealOpen_InvalidKeySize(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("data"))
	assert.Error(t, err)

	_, err = Open(make([]byte, 31), make([]byte, Overhead+1))
	assert.Error(t, err)
}

func TestEncryptedSize(t *testing.T) {
	assert.Equal(t, int64(28), EncryptedSize(0))
	assert.Equal(t, int64(10*1024*1024+28), EncryptedSize(10*1024*1024))
	assert.Equal(t, int64(5), PlainSize(EncryptedSize(5)))
}
