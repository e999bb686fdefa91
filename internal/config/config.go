// Package config loads fleet configuration from a YAML file with
// FLEET_<SECTION>_<KEY> environment overrides, and manages the encrypted
// secrets file kept next to it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for both binaries. A process only
// reads the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Security SecurityConfig `yaml:"security"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig covers the fleet server's listener and storage.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	CertDir        string   `yaml:"cert_dir"`
	NoTLS          bool     `yaml:"no_tls"`
	DBPath         string   `yaml:"db_path"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS allow-list, empty = same-origin only
}

// AgentConfig covers the agent's reporting loops.
type AgentConfig struct {
	ServerURL           string        `yaml:"server_url"`
	MachineID           string        `yaml:"machine_id"`
	ReportInterval      time.Duration `yaml:"report_interval"`
	CommandPollInterval time.Duration `yaml:"command_poll_interval"`
	E2EEEnabled         bool          `yaml:"e2ee_enabled"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
}

// ClusterConfig covers multi-server coordination.
type ClusterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	NodeID    string `yaml:"node_id"`
	Address   string `yaml:"address"`
	Backend   string `yaml:"backend"` // "file" or "kv"
	StatePath string `yaml:"state_path"`
	Secret    string `yaml:"secret"`
}

// SecurityConfig holds the shared secrets. These are usually populated from
// the encrypted secrets file or environment, not the plain YAML.
type SecurityConfig struct {
	APIKey        string `yaml:"api_key"`
	SharedSecret  string `yaml:"shared_secret"`  // HMAC signing secret, base64
	EncryptionKey string `yaml:"encryption_key"` // E2EE envelope key, base64
}

// NotifyConfig configures the outbound notification chain. The log notifier
// is always on; a webhook is added when a URL is set.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	WebhookHeaders string `yaml:"webhook_headers"` // comma-separated Key:Value pairs
}

// LoggingConfig selects the log output format.
type LoggingConfig struct {
	JSON bool `yaml:"json"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8443,
			CertDir: filepath.Join(home, ".fleet-certs"),
			DBPath:  filepath.Join(home, ".fleet-server.db"),
		},
		Agent: AgentConfig{
			ServerURL:           "https://localhost:8443",
			ReportInterval:      10 * time.Second,
			CommandPollInterval: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{JSON: false},
	}
}

// Load reads the YAML file at path (optional), then applies environment
// overrides, then validates. An absent file is not an error; an unreadable
// or malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fine, run on defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FLEET_<SECTION>_<KEY> variables onto the config.
func (c *Config) applyEnv() {
	envStr("FLEET_SERVER_HOST", &c.Server.Host)
	envInt("FLEET_SERVER_PORT", &c.Server.Port)
	envStr("FLEET_SERVER_CERT_DIR", &c.Server.CertDir)
	envBool("FLEET_SERVER_NO_TLS", &c.Server.NoTLS)
	envStr("FLEET_SERVER_DB_PATH", &c.Server.DBPath)
	envList("FLEET_SERVER_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	envStr("FLEET_AGENT_SERVER_URL", &c.Agent.ServerURL)
	envStr("FLEET_AGENT_MACHINE_ID", &c.Agent.MachineID)
	envDuration("FLEET_AGENT_REPORT_INTERVAL", &c.Agent.ReportInterval)
	envDuration("FLEET_AGENT_COMMAND_POLL_INTERVAL", &c.Agent.CommandPollInterval)
	envBool("FLEET_AGENT_E2EE_ENABLED", &c.Agent.E2EEEnabled)
	envBool("FLEET_AGENT_INSECURE_SKIP_VERIFY", &c.Agent.InsecureSkipVerify)

	envBool("FLEET_CLUSTER_ENABLED", &c.Cluster.Enabled)
	envStr("FLEET_CLUSTER_NODE_ID", &c.Cluster.NodeID)
	envStr("FLEET_CLUSTER_ADDRESS", &c.Cluster.Address)
	envStr("FLEET_CLUSTER_BACKEND", &c.Cluster.Backend)
	envStr("FLEET_CLUSTER_STATE_PATH", &c.Cluster.StatePath)
	envStr("FLEET_CLUSTER_SECRET", &c.Cluster.Secret)

	envStr("FLEET_SECURITY_API_KEY", &c.Security.APIKey)
	envStr("FLEET_SECURITY_SHARED_SECRET", &c.Security.SharedSecret)
	envStr("FLEET_SECURITY_ENCRYPTION_KEY", &c.Security.EncryptionKey)

	envStr("FLEET_NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	envStr("FLEET_NOTIFY_WEBHOOK_HEADERS", &c.Notify.WebhookHeaders)

	envBool("FLEET_LOGGING_JSON", &c.Logging.JSON)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Agent.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.report_interval must be > 0, got %s", c.Agent.ReportInterval))
	}
	if c.Agent.CommandPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.command_poll_interval must be > 0, got %s", c.Agent.CommandPollInterval))
	}
	switch c.Cluster.Backend {
	case "file", "kv":
		// valid
	default:
		errs = append(errs, fmt.Errorf("cluster.backend must be file or kv, got %q", c.Cluster.Backend))
	}
	return errors.Join(errs...)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
