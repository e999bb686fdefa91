package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeVersion is the only payload envelope version in circulation.
const EnvelopeVersion = "1"

// ErrDecryptionFailed covers every way an envelope can fail to open:
// malformed structure, unsupported version, bad base64, wrong key, or a
// failed tag check. Callers must not learn which.
var ErrDecryptionFailed = errors.New("decryption failed")

// Envelope is the wire wrapper for an E2EE-protected JSON payload.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt serialises v as canonical JSON and seals it with AES-256-GCM under
// key. A fresh 12-byte nonce is drawn per call; AAD is empty.
func Encrypt(key []byte, v any) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrWeakSecret
	}
	plaintext, err := CanonicalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Encrypted:  true,
		Version:    EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens an envelope and returns the original JSON object.
// All failure modes collapse into ErrDecryptionFailed.
func Decrypt(key []byte, env *Envelope) (map[string]any, error) {
	if len(key) != KeySize || env == nil || !env.Encrypted || env.Version != EnvelopeVersion {
		return nil, ErrDecryptionFailed
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var obj map[string]any
	if err := json.Unmarshal(plaintext, &obj); err != nil {
		return nil, ErrDecryptionFailed
	}
	return obj, nil
}

// ParseEnvelope extracts an Envelope from a decoded JSON body if the body
// carries one. Returns nil, false for plaintext bodies.
func ParseEnvelope(body map[string]any) (*Envelope, bool) {
	enc, _ := body["encrypted"].(bool)
	if !enc {
		return nil, false
	}
	version, _ := body["version"].(string)
	nonce, _ := body["nonce"].(string)
	ct, _ := body["ciphertext"].(string)
	return &Envelope{Encrypted: true, Version: version, Nonce: nonce, Ciphertext: ct}, true
}
