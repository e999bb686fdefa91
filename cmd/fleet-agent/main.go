// Command fleet-agent samples the local host and reports to a fleet server.
// One agent runs per host, enforced by a file lock; the service manager is
// expected to restart the process when a restart command arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-fleet/atlas/internal/agent"
	"github.com/atlas-fleet/atlas/internal/config"
	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/logging"
)

var version = "dev"

func main() {
	var (
		configPath  string
		serverURL   string
		apiKey      string
		machineID   string
		keyFile     string
		insecure    bool
		reportEvery time.Duration
		pollEvery   time.Duration
	)

	root := &cobra.Command{
		Use:     "fleet-agent",
		Short:   "Fleet telemetry agent",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				os.Exit(1)
			}
			if cmd.Flags().Changed("server") {
				cfg.Agent.ServerURL = serverURL
			}
			if cmd.Flags().Changed("api-key") {
				cfg.Security.APIKey = apiKey
			}
			if cmd.Flags().Changed("machine-id") {
				cfg.Agent.MachineID = machineID
			}
			if cmd.Flags().Changed("insecure") {
				cfg.Agent.InsecureSkipVerify = insecure
			}
			if cmd.Flags().Changed("report-interval") {
				cfg.Agent.ReportInterval = reportEvery
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.Agent.CommandPollInterval = pollEvery
			}
			return run(cfg, keyFile)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.Flags().StringVar(&serverURL, "server", "", "fleet server base URL")
	root.Flags().StringVar(&apiKey, "api-key", "", "agent API key")
	root.Flags().StringVar(&machineID, "machine-id", "", "stable machine identifier")
	root.Flags().StringVar(&keyFile, "key-file", defaultKeyPath(), "E2EE key file")
	root.Flags().BoolVar(&insecure, "insecure", false, "skip TLS verification (self-signed servers)")
	root.Flags().DurationVar(&reportEvery, "report-interval", 10*time.Second, "time between reports")
	root.Flags().DurationVar(&pollEvery, "poll-interval", 30*time.Second, "time between command polls")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, keyFile string) error {
	log := logging.NewRotating(cfg.Logging.JSON, "fleet-agent")

	if pass := os.Getenv("FLEET_CONFIG_PASSPHRASE"); pass != "" {
		if err := cfg.ApplySecure("", pass); err != nil {
			log.Error("secure config unreadable", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Security.APIKey == "" {
		log.Error("an API key is required (--api-key or FLEET_SECURITY_API_KEY)")
		os.Exit(1)
	}

	lock, err := agent.AcquireLock(agent.DefaultLockPath())
	if err != nil {
		log.Error("singleton check failed", "error", err)
		os.Exit(1)
	}
	defer agent.ReleaseLock(lock)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	encryptor, err := agent.NewEncryptor(keyFile)
	if err != nil {
		log.Error("failed to load encryption key", "error", err)
		os.Exit(1)
	}
	if cfg.Agent.E2EEEnabled && !encryptor.Enabled() {
		if cfg.Security.EncryptionKey == "" {
			log.Error("e2ee enabled but no key available (key file or FLEET_SECURITY_ENCRYPTION_KEY)")
			os.Exit(1)
		}
		if err := encryptor.SetKey(cfg.Security.EncryptionKey); err != nil {
			log.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	}

	collector := agent.NewCollector()
	machineID := cfg.Agent.MachineID
	if machineID == "" {
		machineID = stableMachineID(collector)
	}

	var localDBKey []byte
	if encryptor.Enabled() {
		localDBKey, err = ensureLocalDBKey(keyFile + ".db")
		if err != nil {
			log.Warn("local db key unavailable", "error", err)
		}
	}

	a := agent.New(agent.Config{
		MachineID:           machineID,
		Client:              agent.NewClient(cfg.Agent.ServerURL, cfg.Security.APIKey, cfg.Agent.InsecureSkipVerify),
		Collector:           collector,
		Encryptor:           encryptor,
		Logger:              log,
		ReportInterval:      cfg.Agent.ReportInterval,
		CommandPollInterval: cfg.Agent.CommandPollInterval,
		LocalDBKey:          localDBKey,
		Restart: func() {
			log.Info("exiting for restart")
			agent.ReleaseLock(lock)
			os.Exit(0)
		},
	})

	log.Info("fleet agent starting",
		"version", version, "machine_id", machineID,
		"server", cfg.Agent.ServerURL, "e2ee", encryptor.Enabled())
	a.Run(ctx)
	log.Info("fleet agent stopped")
	return nil
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".atlas-agent.key")
	}
	return filepath.Join(home, ".atlas-agent.key")
}

// stableMachineID falls back to the host identifier when no machine ID is
// configured, so reinstalls keep their history.
func stableMachineID(c *agent.Collector) string {
	if serial, ok := c.Info()["serial_number"].(string); ok && serial != "" {
		return serial
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// ensureLocalDBKey loads or creates the agent's local data key.
func ensureLocalDBKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return crypto.DecodeSecret(string(data))
	}
	encoded, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, err
	}
	return crypto.DecodeSecret(encoded)
}
