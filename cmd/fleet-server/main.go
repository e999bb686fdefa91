// Command fleet-server runs the fleet control plane: agent ingest, the
// operator dashboard and APIs, and optional multi-server coordination.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/certs"
	"github.com/atlas-fleet/atlas/internal/cluster"
	"github.com/atlas-fleet/atlas/internal/config"
	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/fleet"
	"github.com/atlas-fleet/atlas/internal/logging"
	"github.com/atlas-fleet/atlas/internal/metrics"
	"github.com/atlas-fleet/atlas/internal/notify"
	"github.com/atlas-fleet/atlas/internal/store"
	"github.com/atlas-fleet/atlas/internal/web"
)

var version = "dev"

// Exit codes: 1 for configuration problems, 2 when the listener cannot bind.
const (
	exitConfig = 1
	exitBind   = 2
)

func main() {
	var (
		configPath string
		host       string
		port       int
		certDir    string
		noTLS      bool
		dbPath     string
	)

	root := &cobra.Command{
		Use:     "fleet-server",
		Short:   "Fleet telemetry and control plane server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				os.Exit(exitConfig)
			}
			// Flags beat file and environment.
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("cert-dir") {
				cfg.Server.CertDir = certDir
			}
			if cmd.Flags().Changed("no-tls") {
				cfg.Server.NoTLS = noTLS
			}
			if cmd.Flags().Changed("db-path") {
				cfg.Server.DBPath = dbPath
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	root.Flags().IntVar(&port, "port", 8443, "listen port")
	root.Flags().StringVar(&certDir, "cert-dir", "", "TLS certificate directory")
	root.Flags().BoolVar(&noTLS, "no-tls", false, "serve plain HTTP (development only)")
	root.Flags().StringVar(&dbPath, "db-path", "", "BoltDB path")
	root.AddCommand(createAdminCmd())
	root.AddCommand(secureConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logging.NewRotating(cfg.Logging.JSON, "fleet-server")

	if pass := os.Getenv("FLEET_CONFIG_PASSPHRASE"); pass != "" {
		if err := cfg.ApplySecure("", pass); err != nil {
			log.Error("secure config unreadable", "error", err)
			os.Exit(exitConfig)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Server.DBPath, "error", err)
		os.Exit(exitConfig)
	}
	defer db.Close()

	apiKey, err := ensureAPIKey(db, cfg.Security.APIKey, log)
	if err != nil {
		log.Error("failed to provision API key", "error", err)
		os.Exit(exitConfig)
	}

	keys, err := loadKeyManager(db, cfg.Security.EncryptionKey)
	if err != nil {
		log.Error("invalid encryption key", "error", err)
		os.Exit(exitConfig)
	}

	// Notification chain: log always, webhook when configured.
	notifier := notify.NewMulti(log, notify.NewLogNotifier(log))
	if cfg.Notify.WebhookURL != "" {
		notifier.Add(notify.NewWebhook(cfg.Notify.WebhookURL, parseHeaders(cfg.Notify.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	}

	fleetStore := fleet.NewStore(fleet.WithNewAgentCallback(
		func(machineID string, info map[string]any, dashboardURL string) {
			serial, _ := info["serial_number"].(string)
			notifier.Notify(ctx, notify.Event{
				Type:         notify.EventAgentRegistered,
				MachineID:    machineID,
				SerialNumber: serial,
				DashboardURL: dashboardURL,
			})
		}))

	authMgr := auth.NewManager(db, db)
	sessions := auth.NewSessionManager()
	csrf := auth.NewCSRFManager()
	limiter := auth.NewRateLimiter()

	coordinator, err := buildCoordinator(cfg, db, log)
	if err != nil {
		log.Error("cluster configuration error", "error", err)
		os.Exit(exitConfig)
	}
	if coordinator != nil {
		go coordinator.Run(ctx)
		log.Info("cluster coordination enabled",
			"node_id", coordinator.NodeID(), "backend", cfg.Cluster.Backend)
	}

	var certMgr *certs.Manager
	var tlsCert *tls.Certificate
	if !cfg.Server.NoTLS {
		certMgr = certs.NewManager(cfg.Server.CertDir, []string{cfg.Server.Host})
		cert, err := certMgr.Certificate()
		if err != nil {
			log.Error("failed to prepare TLS certificate", "error", err)
			os.Exit(exitConfig)
		}
		tlsCert = &cert
	}

	srv := web.NewServer(web.Dependencies{
		Fleet:          fleetStore,
		Auth:           authMgr,
		Sessions:       sessions,
		CSRF:           csrf,
		RateLimit:      limiter,
		Cluster:        coordinator,
		Keys:           keys,
		Certs:          certAdapter(certMgr),
		APIKey:         apiKey,
		Log:            log,
		DevMode:        cfg.Server.NoTLS,
		Version:        version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	startMaintenance(ctx, log, sessions, csrf, limiter, db, fleetStore)

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	log.Info("fleet server starting", "version", version, "addr", addr, "tls", !cfg.Server.NoTLS)
	if err := srv.ListenAndServe(addr, tlsCert); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("listener failed", "addr", addr, "error", err)
		os.Exit(exitBind)
	}
	log.Info("fleet server shutdown complete")
	return nil
}

// ensureAPIKey loads the agent API key from config or settings, generating
// and persisting one on first start.
func ensureAPIKey(db *store.Store, configured string, log *logging.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	var stored string
	if ok, err := db.GetSetting("api_key", &stored); err != nil {
		return "", err
	} else if ok && stored != "" {
		return stored, nil
	}
	key, err := crypto.GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := db.PutSetting("api_key", key); err != nil {
		return "", err
	}
	log.Info("generated new agent API key", "api_key", key)
	return key, nil
}

// loadKeyManager builds the envelope key manager, preferring the persisted
// key (it may have rotated past the configured one).
func loadKeyManager(db *store.Store, configured string) (*web.KeyManager, error) {
	var stored string
	if ok, err := db.GetSetting("encryption_key", &stored); err != nil {
		return nil, err
	} else if ok && stored != "" {
		configured = stored
	}
	return web.NewKeyManager(configured, func(encoded string) error {
		return db.PutSetting("encryption_key", encoded)
	})
}

func buildCoordinator(cfg *config.Config, db *store.Store, log *logging.Logger) (*cluster.Coordinator, error) {
	if !cfg.Cluster.Enabled {
		return nil, nil
	}
	encoded := cfg.Cluster.Secret
	if encoded == "" {
		encoded = cfg.Security.SharedSecret
	}
	if encoded == "" {
		return nil, errors.New("cluster.secret or security.shared_secret is required when clustering is enabled")
	}
	secret, err := crypto.DecodeSecret(encoded)
	if err != nil {
		return nil, fmt.Errorf("cluster secret: %w", err)
	}
	key, err := crypto.DeriveClusterKey(secret)
	if err != nil {
		return nil, err
	}

	var backend cluster.Backend
	switch cfg.Cluster.Backend {
	case "kv":
		backend = cluster.NewKVBackend(db)
	default:
		backend, err = cluster.NewFileBackend(cfg.Cluster.StatePath)
		if err != nil {
			return nil, err
		}
	}

	nodeID := cfg.Cluster.NodeID
	hostname, _ := os.Hostname()
	if nodeID == "" {
		nodeID = hostname
	}
	return cluster.New(cluster.Config{
		Self: cluster.Node{
			NodeID:    nodeID,
			Hostname:  hostname,
			Address:   cfg.Cluster.Address,
			Role:      "server",
			Version:   version,
			StartedAt: time.Now().UTC(),
		},
		Secret:  key,
		Backend: backend,
		Logger:  log,
	}), nil
}

// startMaintenance schedules the recurring housekeeping jobs.
func startMaintenance(ctx context.Context, log *logging.Logger, sessions *auth.SessionManager,
	csrf *auth.CSRFManager, limiter *auth.RateLimiter, db *store.Store, fleetStore *fleet.Store) {

	c := cron.New()

	// Hourly: drop expired auth state and stale commands.
	_, _ = c.AddFunc("@hourly", func() {
		pruned := sessions.Prune()
		tokens := csrf.Prune()
		limiter.Cleanup()
		attempts, err := db.PruneLoginAttempts(time.Now().Add(-24 * time.Hour))
		if err != nil {
			log.Warn("login attempt prune failed", "error", err)
		}
		expired := fleetStore.ExpireStaleCommands(0)
		swept, err := db.ClusterSweep()
		if err != nil {
			log.Warn("cluster sweep failed", "error", err)
		}
		log.Info("maintenance pass",
			"sessions", pruned, "csrf_tokens", tokens, "login_attempts", attempts,
			"expired_commands", expired, "cluster_records", swept)
	})

	// Daily: dump fleet metrics for the node-exporter textfile collector.
	_, _ = c.AddFunc("@daily", func() {
		path := filepath.Join(logging.LogDir("fleet-server"), "fleet-metrics.prom")
		if err := metrics.WriteTextfile(path); err != nil {
			log.Warn("metrics textfile write failed", "path", path, "error", err)
		}
	})

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// certAdapter bridges certs.Manager to web.CertProvider, keeping the web
// package free of the certs dependency.
type certProviderAdapter struct{ m *certs.Manager }

func certAdapter(m *certs.Manager) web.CertProvider {
	if m == nil {
		return nil
	}
	return &certProviderAdapter{m: m}
}

func (a *certProviderAdapter) CertInfo() (web.CertInfo, error) {
	info, err := a.m.Info()
	if err != nil {
		return web.CertInfo{}, err
	}
	return web.CertInfo{
		Subject:    info.Subject,
		NotBefore:  info.NotBefore,
		NotAfter:   info.NotAfter,
		SelfSigned: info.SelfSigned,
	}, nil
}

func (a *certProviderAdapter) Renew() error { return a.m.Renew() }

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
