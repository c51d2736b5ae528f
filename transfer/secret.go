package transfer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/sealdrop/sealdrop-go/transfer/frame"
)

// secretSize is the length of the shared secret in bytes (256 bits).
const secretSize = 32

// hkdfInfoEncryption separates the frame encryption key from any other
// subkey ever derived from the same secret.
const hkdfInfoEncryption = "sealdrop/v1 frame encryption"

// Secret is the per-transfer shared secret. It lives only in the memory of
// sender and receiver and travels exclusively out of band (typically a URL
// fragment); it is never persisted and never sent over the data channel.
// The secret itself is not the encryption key: subkeys are derived from it.
type Secret []byte

// GenerateSecret draws a fresh random secret for one transfer.
func GenerateSecret() (Secret, error) {
	secret := make(Secret, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// ParseSecret decodes the out-of-band representation produced by Encode.
func ParseSecret(encoded string) (Secret, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) != secretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", secretSize, len(raw))
	}
	return Secret(raw), nil
}

// Encode returns the URL-fragment-safe representation of the secret.
func (s Secret) Encode() string {
	return base64.RawURLEncoding.EncodeToString(s)
}

// String masks the secret so it can never leak through logging.
func (s Secret) String() string {
	return "*****"
}

// EncryptionKey derives the AES-256 key used for frame encryption.
func (s Secret) EncryptionKey() ([]byte, error) {
	if len(s) != secretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", secretSize, len(s))
	}

	key := make([]byte, frame.KeySize)
	reader := hkdf.New(sha256.New, s, nil, []byte(hkdfInfoEncryption))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return key, nil
}
