// Package web is the fleet server's HTTP surface: agent ingest, dashboard
// and analysis APIs, admin operations, cluster health, and the minimal HTML
// pages operators log in through.
package web

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/cluster"
	"github.com/atlas-fleet/atlas/internal/fleet"
	"github.com/atlas-fleet/atlas/internal/logging"
)

//go:embed static/*
var staticFS embed.FS

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Fleet     *fleet.Store
	Auth      *auth.Manager
	Sessions  *auth.SessionManager
	CSRF      *auth.CSRFManager
	RateLimit *auth.RateLimiter
	Cluster   *cluster.Coordinator // nil when clustering is disabled
	Keys      *KeyManager
	Certs     CertProvider
	APIKey    string
	Log       *logging.Logger
	DevMode   bool // plain HTTP: cookies not Secure, no HSTS
	Version   string

	// AllowedOrigins is the CORS allow-list. Empty means same-origin only.
	AllowedOrigins []string
}

// CertProvider reports on the TLS material the listener uses.
type CertProvider interface {
	CertInfo() (CertInfo, error)
	Renew() error
}

// CertInfo is the admin-facing certificate summary.
type CertInfo struct {
	Subject    string    `json:"subject"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	SelfSigned bool      `json:"self_signed"`
}

// Server is the fleet HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	tmpl   *template.Template
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.tmpl = template.Must(template.New("").ParseFS(staticFS, "static/*.html"))
	s.registerRoutes()
	return s
}

// Handler returns the fully wrapped handler, exported for tests.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.bodyLimit(h)
	h = s.cors(h)
	h = s.securityHeaders(h)
	h = s.recoverer(h)
	return h
}

// ListenAndServe starts the server, with TLS unless dev mode is on.
// The TLS listener refuses anything below 1.2.
func (s *Server) ListenAndServe(addr string, cert *tls.Certificate) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if s.deps.DevMode || cert == nil {
		s.deps.Log.Info("fleet server listening", "addr", addr, "tls", false)
		return s.server.ListenAndServe()
	}
	s.server.TLSConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
	}
	s.deps.Log.Info("fleet server listening", "addr", addr, "tls", true)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	agent := s.requireAPIKey
	session := s.requireSession
	limited := s.rateLimited

	// --- Agent ingest (API key) ---
	s.mux.HandleFunc("POST /api/fleet/report", agent(s.apiReport))
	s.mux.HandleFunc("GET /api/fleet/commands/{id}", agent(s.apiPendingCommands))
	s.mux.HandleFunc("POST /api/fleet/command/{id}/ack", agent(s.apiAckCommand))
	s.mux.HandleFunc("POST /api/fleet/widget-logs", agent(s.apiWidgetLogsIngest))

	// --- Dashboard read (session) ---
	s.mux.HandleFunc("GET /api/fleet/machines", session(s.apiMachines))
	s.mux.HandleFunc("GET /api/fleet/summary", session(s.apiSummary))
	s.mux.HandleFunc("GET /api/fleet/server-resources", session(s.apiServerResources))
	s.mux.HandleFunc("GET /api/fleet/agents", session(s.apiAgents))
	s.mux.HandleFunc("GET /api/fleet/storage", session(s.apiStorage))

	// --- Machine detail (session) ---
	s.mux.HandleFunc("GET /api/fleet/machine/{identifier}", session(s.apiMachineDetail))
	s.mux.HandleFunc("GET /api/fleet/history/{identifier}", session(s.apiMachineHistory))
	s.mux.HandleFunc("GET /api/fleet/recent-commands/{identifier}", session(s.apiRecentCommands))
	s.mux.HandleFunc("POST /api/fleet/machine/{identifier}/decrypt-db-data", session(s.apiDecryptDBData))
	s.mux.HandleFunc("POST /api/fleet/machine/{identifier}/decrypt-export", session(s.apiDecryptExport))
	s.mux.HandleFunc("POST /api/fleet/machine/{identifier}/command", session(s.apiQueueCommand))

	// --- Cluster ---
	s.mux.HandleFunc("GET /api/fleet/cluster/health", s.apiClusterHealth) // public: LB probe
	s.mux.HandleFunc("GET /api/fleet/cluster/status", session(s.apiClusterStatus))
	s.mux.HandleFunc("GET /api/fleet/cluster/nodes", session(s.apiClusterNodes))
	s.mux.HandleFunc("GET /api/fleet/cluster/health-check", session(s.apiClusterHealthCheck))

	// --- Analysis (session) ---
	s.mux.HandleFunc("GET /api/fleet/speedtest/summary", session(s.apiSpeedtestSummary))
	s.mux.HandleFunc("GET /api/fleet/speedtest/machine/{identifier}", session(s.apiSpeedtestMachine))
	s.mux.HandleFunc("GET /api/fleet/speedtest/comparison", session(s.apiSpeedtestComparison))
	s.mux.HandleFunc("GET /api/fleet/speedtest/anomalies", session(s.apiSpeedtestAnomalies))
	s.mux.HandleFunc("GET /api/fleet/speedtest/recent", session(s.apiSpeedtestRecent(10)))
	s.mux.HandleFunc("GET /api/fleet/speedtest/recent20", session(s.apiSpeedtestRecent(20)))
	s.mux.HandleFunc("GET /api/fleet/speedtest/subnet", session(s.apiSpeedtestSubnet))
	s.mux.HandleFunc("GET /api/fleet/network-analysis", session(s.apiNetworkAnalysis))
	s.mux.HandleFunc("GET /api/fleet/network-analysis/{identifier}", session(s.apiNetworkAnalysisMachine))
	s.mux.HandleFunc("GET /api/fleet/widget-logs/{identifier}", session(s.apiWidgetLogsRead))

	// --- Admin: users (session) ---
	s.mux.HandleFunc("POST /api/fleet/users", session(s.apiCreateUser))
	s.mux.HandleFunc("GET /api/fleet/users", session(s.apiListUsers))
	s.mux.HandleFunc("DELETE /api/fleet/users/{username}", session(s.apiDeleteUser))
	s.mux.HandleFunc("POST /api/fleet/users/{username}/active", session(s.apiSetUserActive))
	s.mux.HandleFunc("POST /api/fleet/users/change-password", session(s.apiChangePassword))
	s.mux.HandleFunc("POST /api/fleet/users/force-update-password", session(s.apiForcePasswordUpdate))
	s.mux.HandleFunc("GET /api/fleet/users/check-password-update", session(s.apiCheckPasswordUpdate))
	s.mux.HandleFunc("GET /api/fleet/current-user", session(s.apiCurrentUser))

	// --- Admin: certificates (session) ---
	s.mux.HandleFunc("GET /api/fleet/cert-status", session(s.apiCertStatus))
	s.mux.HandleFunc("GET /api/fleet/cert-info", session(s.apiCertInfo))
	s.mux.HandleFunc("POST /api/fleet/cert-update", session(s.apiCertUpdate))

	// --- E2EE key lifecycle (session) ---
	s.mux.HandleFunc("POST /api/fleet/encryption/verify-and-get-key", session(s.apiVerifyAndGetKey))
	s.mux.HandleFunc("POST /api/fleet/encryption/generate-key", session(s.apiGenerateKey))
	s.mux.HandleFunc("POST /api/fleet/encryption/regenerate-key", session(s.apiRegenerateKey))
	s.mux.HandleFunc("POST /api/fleet/rotate-encryption-key", session(s.apiRotateKey))
	s.mux.HandleFunc("GET /api/fleet/encryption/key-rotation-status", session(s.apiKeyRotationStatus))
	s.mux.HandleFunc("GET /api/fleet/encryption/e2ee-status", session(s.apiE2EEStatus))

	// --- Metrics (session) ---
	s.mux.HandleFunc("GET /metrics", session(s.handleMetrics))

	// --- UI pages ---
	s.mux.HandleFunc("GET /{$}", s.pageIndex)
	s.mux.HandleFunc("GET /login", limited(s.pageLogin))
	s.mux.HandleFunc("POST /login", limited(s.handleLoginPost))
	s.mux.HandleFunc("GET /logout", s.handleLogout)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /dashboard", s.requirePage(s.pageDashboard))
	s.mux.HandleFunc("GET /settings", s.requirePage(s.pageSettings))
	s.mux.HandleFunc("GET /password-reset", s.requirePage(s.pagePasswordReset))
	s.mux.HandleFunc("POST /reset-password", limited(s.requirePage(s.handleResetPassword)))
	s.mux.HandleFunc("GET /machine/{identifier}", s.requirePage(s.pageMachine))
	s.mux.HandleFunc("GET /machine/{identifier}/dashboard", s.requirePage(s.pageMachineDashboard))
	s.mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.Handle("GET /static/", http.FileServerFS(staticFS))

	// Fallback keeps the 404 format convention for both path families.
	s.mux.HandleFunc("/", s.handleNotFound)
}
