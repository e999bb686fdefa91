package web

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/atlas-fleet/atlas/internal/crypto"
)

// encryptedReport seals a sample report under key, as an agent would.
func encryptedReport(t *testing.T, key []byte, report map[string]any) map[string]any {
	t.Helper()
	env, err := crypto.Encrypt(key, report)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestReportEncrypted(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.srv.deps.Keys.Generate(false); err != nil {
		t.Fatal(err)
	}
	key := env.srv.deps.Keys.Current()

	report := sampleReport("m1")
	rec := env.do(t, "POST", "/api/fleet/report", encryptedReport(t, key, report), withAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["e2ee_verified"] != true {
		t.Errorf("e2ee_verified = %v, want true", out["e2ee_verified"])
	}

	m := env.fleet.GetMachine("m1")
	if m == nil || !m.E2EEVerified {
		t.Fatalf("machine not marked verified: %+v", m)
	}

	t.Run("db key stored only after verification", func(t *testing.T) {
		report := sampleReport("m1")
		report["agent_db_key"] = `{"encrypted":true}`
		rec := env.do(t, "POST", "/api/fleet/report", encryptedReport(t, key, report), withAPIKey)
		if out := decodeJSON(t, rec); out["db_key_stored"] != true {
			t.Errorf("db_key_stored = %v, want true", out["db_key_stored"])
		}
	})
}

func TestReportDecryptFailure(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.srv.deps.Keys.Generate(false); err != nil {
		t.Fatal(err)
	}
	wrongKey := make([]byte, crypto.KeySize)
	for i := range wrongKey {
		wrongKey[i] = 0xAB
	}

	rec := env.do(t, "POST", "/api/fleet/report",
		encryptedReport(t, wrongKey, sampleReport("m1")), withAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if out := decodeJSON(t, rec); out["e2ee_verified"] != false {
		t.Errorf("response = %v", out)
	}
	if env.fleet.GetMachine("m1") != nil {
		t.Error("failed report must not register the machine")
	}
}

func TestReportEncryptedWithoutServerKey(t *testing.T) {
	env := newTestEnv(t)
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = 0x11
	}
	rec := env.do(t, "POST", "/api/fleet/report",
		encryptedReport(t, key, sampleReport("m1")), withAPIKey)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if out := decodeJSON(t, rec); out["e2ee_verified"] != false {
		t.Errorf("response = %v", out)
	}
}

func TestPlaintextReportClearsVerification(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.srv.deps.Keys.Generate(false); err != nil {
		t.Fatal(err)
	}
	key := env.srv.deps.Keys.Current()

	env.do(t, "POST", "/api/fleet/report", encryptedReport(t, key, sampleReport("m1")), withAPIKey)
	env.do(t, "POST", "/api/fleet/report", sampleReport("m1"), withAPIKey)

	m := env.fleet.GetMachine("m1")
	if m == nil || m.E2EEVerified {
		t.Errorf("verification must follow the latest report, got %+v", m)
	}
}

func TestRotateKey(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "admin", "admin")
	withPassword := map[string]any{"password": testPassword}

	rec := env.do(t, "POST", "/api/fleet/encryption/generate-key", withPassword, withCookie(cookie))
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: status = %d", rec.Code)
	}
	oldKey := env.srv.deps.Keys.Current()

	env.do(t, "POST", "/api/fleet/report", sampleReport("m1"), withAPIKey)

	t.Run("rotation requires the operator password", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/fleet/rotate-encryption-key",
			map[string]any{"password": "wrong"}, withCookie(cookie))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if len(env.fleet.GetPendingCommands("m1")) != 0 {
			t.Error("refused rotation still queued commands")
		}
	})

	rec = env.do(t, "POST", "/api/fleet/rotate-encryption-key", withPassword, withCookie(cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status = %d, body %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["success"] != true || out["agents_queued"] != float64(1) {
		t.Errorf("response = %v, want success with 1 agent queued", out)
	}
	if out["encryption_key"] != env.srv.deps.Keys.CurrentEncoded() {
		t.Errorf("encryption_key = %v, want the rotated key", out["encryption_key"])
	}

	// The queued command's envelope must open under the OLD key and carry
	// the NEW key.
	commands := env.fleet.GetPendingCommands("m1")
	if len(commands) != 1 || commands[0].Action != "rotate_encryption_key" {
		t.Fatalf("pending commands = %+v", commands)
	}
	raw, err := json.Marshal(commands[0].Params["encrypted_new_key"])
	if err != nil {
		t.Fatal(err)
	}
	var envlp crypto.Envelope
	if err := json.Unmarshal(raw, &envlp); err != nil {
		t.Fatal(err)
	}
	payload, err := crypto.Decrypt(oldKey, &envlp)
	if err != nil {
		t.Fatalf("envelope not sealed under old key: %v", err)
	}
	if payload["new_key"] != env.srv.deps.Keys.CurrentEncoded() {
		t.Errorf("new_key = %v, want the rotated key", payload["new_key"])
	}

	t.Run("rotation status reflects pending command", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/fleet/encryption/key-rotation-status", nil, withCookie(cookie))
		if !jsonContains(rec.Body.Bytes(), "m1", "pending") {
			t.Errorf("status body: %s", rec.Body.String())
		}
	})
}

func jsonContains(body []byte, machineID, status string) bool {
	var out struct {
		Machines map[string]string `json:"machines"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false
	}
	return out.Machines[machineID] == status
}

func TestGenerateKeyConflict(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "admin", "admin")

	withPassword := map[string]any{"password": testPassword}
	if rec := env.do(t, "POST", "/api/fleet/encryption/generate-key", withPassword, withCookie(cookie)); rec.Code != http.StatusCreated {
		t.Fatalf("first generate: status = %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/api/fleet/encryption/generate-key", withPassword, withCookie(cookie)); rec.Code != http.StatusConflict {
		t.Errorf("second generate: status = %d, want 409", rec.Code)
	}

	t.Run("generation requires the operator password", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/fleet/encryption/regenerate-key",
			map[string]any{"password": "wrong"}, withCookie(cookie))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestVerifyAndGetKey(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "admin", "admin")
	env.do(t, "POST", "/api/fleet/encryption/generate-key",
		map[string]any{"password": testPassword}, withCookie(cookie))

	t.Run("wrong password refused", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/fleet/encryption/verify-and-get-key",
			map[string]any{"password": "wrong"}, withCookie(cookie))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("correct password releases key", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/fleet/encryption/verify-and-get-key",
			map[string]any{"password": testPassword}, withCookie(cookie))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if out := decodeJSON(t, rec); out["encryption_key"] != env.srv.deps.Keys.CurrentEncoded() {
			t.Errorf("wrong key returned")
		}
	})
}
