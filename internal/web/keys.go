package web

import (
	"encoding/base64"
	"errors"
	"sync"

	"github.com/atlas-fleet/atlas/internal/crypto"
)

// ErrNoKey is returned when an operation needs the envelope key and none has
// been provisioned yet.
var ErrNoKey = errors.New("no encryption key configured")

// KeyManager holds the fleet envelope key and persists changes through the
// injected callback, so rotation survives a restart even if agents are slow
// to acknowledge.
type KeyManager struct {
	mu      sync.Mutex
	key     []byte
	persist func(encoded string) error // nil means memory-only
}

// NewKeyManager creates a key manager. encoded may be empty (no key yet);
// persist may be nil for tests.
func NewKeyManager(encoded string, persist func(string) error) (*KeyManager, error) {
	km := &KeyManager{persist: persist}
	if encoded != "" {
		key, err := crypto.DecodeSecret(encoded)
		if err != nil {
			return nil, err
		}
		km.key = key
	}
	return km, nil
}

// Current returns a copy of the active key, or nil when none is set.
func (km *KeyManager) Current() []byte {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.key == nil {
		return nil
	}
	out := make([]byte, len(km.key))
	copy(out, km.key)
	return out
}

// CurrentEncoded returns the active key in URL-safe base64, or "".
func (km *KeyManager) CurrentEncoded() string {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.key == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(km.key)
}

// Generate mints a fresh key. When replace is false and a key already exists,
// the existing key is returned unchanged.
func (km *KeyManager) Generate(replace bool) (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.key != nil && !replace {
		return base64.RawURLEncoding.EncodeToString(km.key), nil
	}
	key, err := crypto.GenerateEnvelopeKey()
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(key)
	if km.persist != nil {
		if err := km.persist(encoded); err != nil {
			return "", err
		}
	}
	km.key = key
	return encoded, nil
}

// Rotate swaps in a fresh key and returns (newEncoded, oldKey). The new key
// is persisted before the swap; the old key is what rotation envelopes for
// in-flight agents must be sealed under.
func (km *KeyManager) Rotate() (string, []byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.key == nil {
		return "", nil, ErrNoKey
	}
	old := km.key
	key, err := crypto.GenerateEnvelopeKey()
	if err != nil {
		return "", nil, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(key)
	if km.persist != nil {
		if err := km.persist(encoded); err != nil {
			return "", nil, err
		}
	}
	km.key = key
	return encoded, old, nil
}
