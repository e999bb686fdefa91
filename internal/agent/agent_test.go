package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/logging"
)

// fakeServer captures what the agent sends.
type fakeServer struct {
	mu       sync.Mutex
	reports  [][]byte
	acks     []map[string]string
	commands []PendingCommand
	failN    int // fail this many report requests before succeeding
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/fleet/report", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.failN > 0 {
			fs.failN--
			http.Error(w, `{"error":"try later"}`, http.StatusInternalServerError)
			return
		}
		fs.reports = append(fs.reports, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","e2ee_verified":false,"db_key_stored":false}`))
	})
	mux.HandleFunc("GET /api/fleet/commands/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		commands := fs.commands
		fs.commands = nil
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"commands": commands})
	})
	mux.HandleFunc("POST /api/fleet/command/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = r.PathValue("id")
		fs.mu.Lock()
		fs.acks = append(fs.acks, body)
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","found":true}`))
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) queue(cmd PendingCommand) {
	fs.mu.Lock()
	fs.commands = append(fs.commands, cmd)
	fs.mu.Unlock()
}

func (fs *fakeServer) ackCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.acks)
}

func newTestAgent(t *testing.T, fs *fakeServer, enc *Encryptor) *Agent {
	t.Helper()
	if enc == nil {
		var err error
		enc, err = NewEncryptor("")
		if err != nil {
			t.Fatal(err)
		}
	}
	return New(Config{
		MachineID: "m-test",
		Client:    NewClient(fs.srv.URL, "key", false),
		Collector: NewCollector(),
		Encryptor: enc,
		Logger:    logging.NewWithWriter(false, io.Discard),
	})
}

func TestReportOnce(t *testing.T) {
	fs := newFakeServer(t)
	a := newTestAgent(t, fs, nil)

	a.reportOnce(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(fs.reports))
	}
	var payload map[string]any
	if err := json.Unmarshal(fs.reports[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload["machine_id"] != "m-test" {
		t.Errorf("machine_id = %v", payload["machine_id"])
	}
	if _, ok := payload["machine_info"].(map[string]any); !ok {
		t.Error("machine_info missing")
	}
	if _, ok := payload["metrics"].(map[string]any); !ok {
		t.Error("metrics missing")
	}
}

func TestReportRetriesThenSucceeds(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.failN = 1
	fs.mu.Unlock()
	a := newTestAgent(t, fs, nil)

	a.reportOnce(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.reports) != 1 {
		t.Fatalf("reports = %d, want 1 after retries", len(fs.reports))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", a.consecutiveFailures)
	}
}

func TestReportDroppedAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.failN = maxReportAttempts
	fs.mu.Unlock()
	a := newTestAgent(t, fs, nil)

	a.reportOnce(context.Background())

	fs.mu.Lock()
	reports := len(fs.reports)
	fs.mu.Unlock()
	if reports != 0 {
		t.Fatalf("reports = %d, want 0", reports)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consecutiveFailures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", a.consecutiveFailures)
	}
}

func TestEncryptedReport(t *testing.T) {
	fs := newFakeServer(t)
	enc, err := NewEncryptor(filepath.Join(t.TempDir(), "fleet.key"))
	if err != nil {
		t.Fatal(err)
	}
	keyB64, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if err := enc.SetKey(keyB64); err != nil {
		t.Fatal(err)
	}
	a := newTestAgent(t, fs, enc)

	a.reportOnce(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(fs.reports))
	}
	var env crypto.Envelope
	if err := json.Unmarshal(fs.reports[0], &env); err != nil || !env.Encrypted {
		t.Fatalf("report is not an envelope: %s", fs.reports[0])
	}
	key, err := crypto.DecodeSecret(keyB64)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := crypto.Decrypt(key, &env)
	if err != nil {
		t.Fatalf("decrypt own report: %v", err)
	}
	info, _ := payload["machine_info"].(map[string]any)
	if info["e2ee_enabled"] != true {
		t.Error("machine_info missing e2ee_enabled")
	}
}

func TestUnknownCommandAck(t *testing.T) {
	fs := newFakeServer(t)
	a := newTestAgent(t, fs, nil)
	fs.queue(PendingCommand{ID: "c1", Action: "reticulate_splines"})

	a.pollOnce(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(fs.acks))
	}
	ack := fs.acks[0]
	if ack["id"] != "c1" || ack["status"] != "failed" || ack["result"] != "Unknown action" {
		t.Errorf("ack = %v", ack)
	}
}

func TestRestartCommandAcksFirst(t *testing.T) {
	fs := newFakeServer(t)
	restarted := false
	a := newTestAgent(t, fs, nil)
	a.cfg.Restart = func() {
		if fs.ackCount() != 1 {
			t.Error("restart ran before the ack was sent")
		}
		restarted = true
	}
	fs.queue(PendingCommand{ID: "c2", Action: "restart_agent"})

	a.pollOnce(context.Background())

	if !restarted {
		t.Fatal("restart hook not called")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.acks[0]["status"] != "completed" {
		t.Errorf("ack = %v", fs.acks[0])
	}
}

func TestRotateKeyCommand(t *testing.T) {
	fs := newFakeServer(t)
	keyPath := filepath.Join(t.TempDir(), "fleet.key")
	enc, err := NewEncryptor(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	oldB64, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if err := enc.SetKey(oldB64); err != nil {
		t.Fatal(err)
	}
	a := newTestAgent(t, fs, enc)

	newB64, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	oldKey, _ := crypto.DecodeSecret(oldB64)
	envlp, err := crypto.Encrypt(oldKey, map[string]any{"new_key": newB64})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(envlp)
	var envMap map[string]any
	_ = json.Unmarshal(raw, &envMap)

	fs.queue(PendingCommand{
		ID:     "c3",
		Action: "rotate_encryption_key",
		Params: map[string]any{"encrypted_new_key": envMap},
	})
	a.pollOnce(context.Background())

	fs.mu.Lock()
	ack := fs.acks[0]
	fs.mu.Unlock()
	if ack["status"] != "completed" {
		t.Fatalf("ack = %v", ack)
	}

	// The encryptor must now hold the new key, and the key file must too.
	want, _ := crypto.DecodeSecret(newB64)
	if got := enc.Key(); string(got) != string(want) {
		t.Error("encryptor still holds the old key")
	}
	reloaded, err := NewEncryptor(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Key(); string(got) != string(want) {
		t.Error("rotated key not persisted")
	}

	t.Run("wrong key envelope fails", func(t *testing.T) {
		bogusKey := make([]byte, crypto.KeySize)
		envlp, err := crypto.Encrypt(bogusKey, map[string]any{"new_key": "whatever"})
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := json.Marshal(envlp)
		var badMap map[string]any
		_ = json.Unmarshal(raw, &badMap)
		fs.queue(PendingCommand{
			ID:     "c4",
			Action: "rotate_encryption_key",
			Params: map[string]any{"encrypted_new_key": badMap},
		})
		a.pollOnce(context.Background())
		fs.mu.Lock()
		defer fs.mu.Unlock()
		last := fs.acks[len(fs.acks)-1]
		if last["id"] != "c4" || last["status"] != "failed" {
			t.Errorf("ack = %v", last)
		}
	})
}

func TestSingletonLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer ReleaseLock(lock)

	if _, err := AcquireLock(path); err == nil {
		t.Fatal("second acquire succeeded, want error")
	}
}
