// Package frame implements the authenticated-encryption wire format of a
// transfer: every plaintext chunk travels as one frame of
// IV (12 bytes) || ciphertext || GCM tag (16 bytes).
package frame

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes. A fresh random IV is drawn
	// for every frame and prepended to the ciphertext.
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
	// Overhead is the fixed per-frame size increase over the plaintext chunk.
	Overhead = IVSize + TagSize
)

// ErrAuthentication is returned by Open when a frame fails its integrity
// check. A frame that fails authentication cannot be salvaged; retrying the
// same bytes cannot change the outcome.
var ErrAuthentication = errors.New("frame authentication failed")

// EncryptedSize returns the frame length for a plaintext chunk of the given size.
func EncryptedSize(plainSize int64) int64 {
	return plainSize + Overhead
}

// PlainSize returns the plaintext length carried by a frame of the given size.
func PlainSize(frameSize int64) int64 {
	return frameSize - Overhead
}

// Seal encrypts one plaintext chunk into a frame. Each call draws a fresh
// random IV, so Seal is safe to call concurrently with the same key.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	// Seal appends ciphertext||tag to the IV, producing the full frame.
	return aead.Seal(iv, iv, plaintext, nil), nil
}

// Open decrypts one frame and verifies its tag. It fails closed: on any
// mismatch the error is ErrAuthentication and no partial plaintext is returned.
func Open(key, frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, frame[:IVSize], frame[IVSize:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
