package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlas-fleet/atlas/internal/crypto"
)

// Encryptor seals outgoing payloads under the fleet envelope key. The key is
// swappable at runtime so a rotation command takes effect without a restart.
type Encryptor struct {
	mu      sync.Mutex
	key     []byte
	keyPath string // "" means the key is not persisted
}

// NewEncryptor loads the key file if one exists. A missing file means E2EE
// is off until the server pushes or the operator provisions a key.
func NewEncryptor(keyPath string) (*Encryptor, error) {
	e := &Encryptor{keyPath: keyPath}
	if keyPath == "" {
		return e, nil
	}
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := crypto.DecodeSecret(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", keyPath, err)
	}
	e.key = key
	return e, nil
}

// Enabled reports whether outgoing payloads will be encrypted.
func (e *Encryptor) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key != nil
}

// Key returns a copy of the active key, or nil.
func (e *Encryptor) Key() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == nil {
		return nil
	}
	out := make([]byte, len(e.key))
	copy(out, e.key)
	return out
}

// Seal marshals payload, wrapping it in an envelope when a key is set.
func (e *Encryptor) Seal(payload map[string]any) ([]byte, error) {
	e.mu.Lock()
	key := e.key
	e.mu.Unlock()

	if key == nil {
		return json.Marshal(payload)
	}
	env, err := crypto.Encrypt(key, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// SetKey installs a new key, persisting it atomically first so a crash
// between persist and swap cannot lose the rotated key.
func (e *Encryptor) SetKey(encoded string) error {
	key, err := crypto.DecodeSecret(encoded)
	if err != nil {
		return err
	}
	if e.keyPath != "" {
		if err := writeFileAtomic(e.keyPath, []byte(encoded), 0600); err != nil {
			return fmt.Errorf("persist key: %w", err)
		}
	}
	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
	return nil
}

// EncodedKey returns the active key in URL-safe base64, or "".
func (e *Encryptor) EncodedKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(e.key)
}

// WrapLocalKey seals the agent's local database key under the fleet key so
// the server can hold a recovery copy. Fails when E2EE is off: the local key
// must never travel in the clear.
func (e *Encryptor) WrapLocalKey(localKey []byte) (string, error) {
	e.mu.Lock()
	key := e.key
	e.mu.Unlock()
	if key == nil {
		return "", fmt.Errorf("wrap local key: encryption not enabled")
	}
	env, err := crypto.Encrypt(key, map[string]any{
		"db_key": base64.RawURLEncoding.EncodeToString(localKey),
	})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
