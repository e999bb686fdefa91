package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Agent.ReportInterval != 10*time.Second {
		t.Errorf("default report interval = %s", cfg.Agent.ReportInterval)
	}
	if cfg.Cluster.Backend != "file" {
		t.Errorf("default cluster backend = %q", cfg.Cluster.Backend)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	yaml := `
server:
  host: 127.0.0.1
  port: 9000
agent:
  report_interval: 30s
cluster:
  enabled: true
  backend: kv
  secret: not-a-real-secret
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Agent.ReportInterval != 30*time.Second {
		t.Errorf("report interval = %s", cfg.Agent.ReportInterval)
	}
	if !cfg.Cluster.Enabled || cfg.Cluster.Backend != "kv" {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	// Unset fields keep their defaults.
	if cfg.Agent.CommandPollInterval != 30*time.Second {
		t.Errorf("poll interval = %s", cfg.Agent.CommandPollInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_SERVER_PORT", "7777")
	t.Setenv("FLEET_AGENT_REPORT_INTERVAL", "5s")
	t.Setenv("FLEET_LOGGING_JSON", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Agent.ReportInterval != 5*time.Second {
		t.Errorf("report interval = %s", cfg.Agent.ReportInterval)
	}
	if !cfg.Logging.JSON {
		t.Error("logging.json override not applied")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Cluster.Backend = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"server.port", "cluster.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestSecureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json.encrypted")
	sec := SecurityConfig{
		APIKey:        "api-key-123",
		SharedSecret:  "shared-secret-abc",
		EncryptionKey: "enc-key-xyz",
	}
	if err := SaveSecure(path, "correct horse battery", sec); err != nil {
		t.Fatalf("save: %v", err)
	}

	for _, name := range []string{path, path + ".salt"} {
		info, err := os.Stat(name)
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s mode = %o, want 0600", name, info.Mode().Perm())
		}
	}

	got, err := LoadSecure(path, "correct horse battery")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != sec {
		t.Errorf("round trip = %+v, want %+v", got, sec)
	}

	t.Run("wrong passphrase", func(t *testing.T) {
		if _, err := LoadSecure(path, "wrong"); err == nil {
			t.Error("wrong passphrase accepted")
		}
	})

	t.Run("missing file is empty not error", func(t *testing.T) {
		got, err := LoadSecure(filepath.Join(t.TempDir(), "none"), "pw")
		if err != nil || got != (SecurityConfig{}) {
			t.Errorf("got %+v, err %v", got, err)
		}
	})

	t.Run("overlay keeps explicit values", func(t *testing.T) {
		cfg := Default()
		cfg.Security.APIKey = "from-env"
		if err := cfg.ApplySecure(path, "correct horse battery"); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if cfg.Security.APIKey != "from-env" {
			t.Errorf("api key overwritten: %q", cfg.Security.APIKey)
		}
		if cfg.Security.EncryptionKey != "enc-key-xyz" {
			t.Errorf("encryption key not filled: %q", cfg.Security.EncryptionKey)
		}
	})
}
