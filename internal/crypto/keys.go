// Package crypto implements the fleet's shared-secret primitives: the
// AES-256-GCM payload envelope spoken between agent and server, HMAC-signed
// cluster records, and the key-derivation helpers that keep raw secrets out
// of the rest of the codebase.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the length of every symmetric key in the system.
const KeySize = 32

// clusterKeySalt namespaces the cluster AEAD key away from the raw shared
// secret so the two are never interchangeable.
const clusterKeySalt = "cluster-encryption-v1"

// pbkdf2Iterations is the work factor for password-derived config keys.
const pbkdf2Iterations = 600_000

// ErrWeakSecret is returned when a shared secret decodes to fewer than
// KeySize bytes.
var ErrWeakSecret = errors.New("shared secret must be at least 32 bytes")

// GenerateEnvelopeKey returns a fresh 32-byte random key.
func GenerateEnvelopeKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate envelope key: %w", err)
	}
	return key, nil
}

// GenerateSecret returns a fresh 32-byte secret encoded as URL-safe base64.
func GenerateSecret() (string, error) {
	key, err := GenerateEnvelopeKey()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// DecodeSecret accepts a shared secret in URL-safe base64, standard base64,
// or raw form, and rejects anything shorter than KeySize once decoded.
func DecodeSecret(s string) ([]byte, error) {
	var decoded []byte
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		decoded = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		decoded = b
	} else {
		decoded = []byte(s)
	}
	if len(decoded) < KeySize {
		return nil, ErrWeakSecret
	}
	return decoded, nil
}

// DeriveClusterKey derives the 32-byte cluster AEAD key from the shared
// cluster secret via HKDF-SHA256. Deliberately not a truncation of the
// secret: the raw secret signs records, the derived key encrypts.
func DeriveClusterKey(secret []byte) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, ErrWeakSecret
	}
	r := hkdf.New(sha256.New, secret, []byte(clusterKeySalt), nil)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive cluster key: %w", err)
	}
	return key, nil
}

// DerivePasswordKey stretches a password into a 32-byte key for the encrypted
// config file. The salt is persisted alongside the ciphertext.
func DerivePasswordKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, KeySize, sha256.New)
}

// GenerateSalt returns a 16-byte random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
