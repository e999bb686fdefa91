package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateEnvelopeKey()
	if err != nil {
		t.Fatalf("GenerateEnvelopeKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	payload := map[string]any{
		"machine_id": "hostA",
		"metrics": map[string]any{
			"cpu":    map[string]any{"percent": 42.0},
			"memory": map[string]any{"percent": 30.0},
		},
	}

	env, err := Encrypt(key, payload)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !env.Encrypted || env.Version != EnvelopeVersion {
		t.Errorf("unexpected envelope header: %+v", env)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != 12 {
		t.Errorf("expected 12-byte base64 nonce, got %q", env.Nonce)
	}

	got, err := Decrypt(key, env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got["machine_id"] != "hostA" {
		t.Errorf("machine_id = %v, want hostA", got["machine_id"])
	}
	metrics, ok := got["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics not a map: %T", got["metrics"])
	}
	cpu := metrics["cpu"].(map[string]any)
	if cpu["percent"] != 42.0 {
		t.Errorf("cpu.percent = %v, want 42", cpu["percent"])
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	env, err := Encrypt(key, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(other, env); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	key := testKey(t)
	valid, _ := Encrypt(key, map[string]any{"x": 1})

	cases := map[string]*Envelope{
		"nil envelope":        nil,
		"not encrypted":       {Encrypted: false, Version: "1", Nonce: valid.Nonce, Ciphertext: valid.Ciphertext},
		"unsupported version": {Encrypted: true, Version: "2", Nonce: valid.Nonce, Ciphertext: valid.Ciphertext},
		"bad nonce base64":    {Encrypted: true, Version: "1", Nonce: "!!!", Ciphertext: valid.Ciphertext},
		"short nonce":         {Encrypted: true, Version: "1", Nonce: base64.StdEncoding.EncodeToString([]byte("abc")), Ciphertext: valid.Ciphertext},
		"bad ciphertext":      {Encrypted: true, Version: "1", Nonce: valid.Nonce, Ciphertext: "!!!"},
		"truncated ciphertext": {Encrypted: true, Version: "1", Nonce: valid.Nonce,
			Ciphertext: base64.StdEncoding.EncodeToString([]byte("too short"))},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decrypt(key, env); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestTamperedCiphertextFailsTagCheck(t *testing.T) {
	key := testKey(t)
	env, _ := Encrypt(key, map[string]any{"x": "original"})

	ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	ct[0] ^= 0xFF
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)

	if _, err := Decrypt(key, env); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed after tamper, got %v", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	t.Run("encrypted body", func(t *testing.T) {
		env, ok := ParseEnvelope(map[string]any{
			"encrypted": true, "version": "1", "nonce": "n", "ciphertext": "c",
		})
		if !ok || env.Version != "1" || env.Nonce != "n" || env.Ciphertext != "c" {
			t.Errorf("unexpected parse result: %+v ok=%v", env, ok)
		}
	})

	t.Run("plaintext body", func(t *testing.T) {
		if _, ok := ParseEnvelope(map[string]any{"machine_id": "m1"}); ok {
			t.Error("plaintext body should not parse as an envelope")
		}
	})
}
