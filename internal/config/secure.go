package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-fleet/atlas/internal/crypto"
)

// DefaultSecurePath is the encrypted secrets file location.
func DefaultSecurePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fleet-config.json.encrypted")
}

// SaveSecure encrypts the security section under a passphrase-derived key
// and writes it to path, with the PBKDF2 salt in a sibling ".salt" file.
// Both files are written 0600.
func SaveSecure(path, passphrase string, sec SecurityConfig) error {
	if path == "" {
		path = DefaultSecurePath()
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key := crypto.DerivePasswordKey(passphrase, salt)

	env, err := crypto.Encrypt(key, map[string]any{
		"api_key":        sec.APIKey,
		"shared_secret":  sec.SharedSecret,
		"encryption_key": sec.EncryptionKey,
	})
	if err != nil {
		return fmt.Errorf("encrypt secure config: %w", err)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secure config: %w", err)
	}
	if err := os.WriteFile(path+".salt", salt, 0o600); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write secure config: %w", err)
	}
	return nil
}

// ApplySecure overlays secrets from the encrypted file onto Security fields
// that are still empty. File, environment, and flags keep precedence; the
// encrypted file only fills gaps.
func (c *Config) ApplySecure(path, passphrase string) error {
	sec, err := LoadSecure(path, passphrase)
	if err != nil {
		return err
	}
	if c.Security.APIKey == "" {
		c.Security.APIKey = sec.APIKey
	}
	if c.Security.SharedSecret == "" {
		c.Security.SharedSecret = sec.SharedSecret
	}
	if c.Security.EncryptionKey == "" {
		c.Security.EncryptionKey = sec.EncryptionKey
	}
	return nil
}

// LoadSecure decrypts the secrets file. A missing file returns a zero
// SecurityConfig and no error so first-run setup can proceed; a present but
// undecryptable file is an error.
func LoadSecure(path, passphrase string) (SecurityConfig, error) {
	if path == "" {
		path = DefaultSecurePath()
	}
	var sec SecurityConfig

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sec, nil
	}
	if err != nil {
		return sec, fmt.Errorf("read secure config: %w", err)
	}
	salt, err := os.ReadFile(path + ".salt")
	if err != nil {
		return sec, fmt.Errorf("read salt: %w", err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return sec, fmt.Errorf("parse secure config: %w", err)
	}
	key := crypto.DerivePasswordKey(passphrase, salt)
	obj, err := crypto.Decrypt(key, &env)
	if err != nil {
		return sec, fmt.Errorf("decrypt secure config: %w", err)
	}

	sec.APIKey, _ = obj["api_key"].(string)
	sec.SharedSecret, _ = obj["shared_secret"].(string)
	sec.EncryptionKey, _ = obj["encryption_key"].(string)
	return sec, nil
}
