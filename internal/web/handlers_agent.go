package web

import (
	"net/http"
	"time"

	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/fleet"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// apiReport ingests one agent report. The body is either a plaintext report
// object or an E2EE envelope wrapping one; the envelope path sets
// e2ee_verified and unlocks DB key storage for the machine.
func (s *Server) apiReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.ReportDuration.Observe(time.Since(start).Seconds()) }()

	var body map[string]any
	if !decodeBody(w, r, &body) {
		metrics.ReportsTotal.WithLabelValues("bad_request").Inc()
		return
	}

	e2eeVerified := false
	if env, ok := crypto.ParseEnvelope(body); ok {
		key := s.deps.Keys.Current()
		if key == nil {
			// An encrypted payload with no server key is a provisioning
			// error, not the agent's fault.
			metrics.ReportsTotal.WithLabelValues("no_key").Inc()
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":         "server has no encryption key configured",
				"e2ee_verified": false,
			})
			return
		}
		decrypted, err := crypto.Decrypt(key, env)
		if err != nil {
			metrics.DecryptFailures.Inc()
			metrics.ReportsTotal.WithLabelValues("decrypt_failed").Inc()
			s.deps.Log.Warn("report decryption failed", "remote", clientIP(r))
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":         "decryption failed",
				"e2ee_verified": false,
			})
			return
		}
		body = decrypted
		e2eeVerified = true
	}

	machineID, _ := body["machine_id"].(string)
	if machineID == "" {
		metrics.ReportsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	info, _ := body["machine_info"].(map[string]any)
	if info == nil {
		info = map[string]any{}
	}
	info["e2ee_enabled"] = e2eeVerified
	reportedMetrics, _ := body["metrics"].(map[string]any)

	s.deps.Fleet.UpdateMachine(machineID, info, reportedMetrics)

	dbKeyStored := false
	if dbKey, _ := body["agent_db_key"].(string); dbKey != "" {
		dbKeyStored = s.deps.Fleet.StoreAgentDBKey(machineID, dbKey)
		if !dbKeyStored {
			s.deps.Log.Warn("agent db key rejected", "machine_id", machineID, "e2ee_verified", e2eeVerified)
		}
	}

	// Network test results ride along in the report when the agent ran any.
	if tests, ok := body["network_tests"].(map[string]any); ok {
		for kind, raw := range tests {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !s.deps.Fleet.StoreNetworkTestMetrics(machineID, kind, m) {
				s.deps.Log.Warn("dropping unknown network test", "machine_id", machineID, "kind", kind)
			}
		}
	}

	if detail, ok := body["export_log"].(map[string]any); ok {
		s.deps.Fleet.StoreExportLog(machineID, detail)
	}

	metrics.ReportsTotal.WithLabelValues("ok").Inc()
	metrics.MachinesTotal.Set(float64(s.deps.Fleet.MachineCount()))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"e2ee_verified": e2eeVerified,
		"db_key_stored": dbKeyStored,
	})
}

// apiPendingCommands hands the agent its queued commands. Delivery is
// at-most-once: a second poll never sees the same command again.
func (s *Server) apiPendingCommands(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	commands := s.deps.Fleet.GetPendingCommands(machineID)
	if commands == nil {
		commands = []fleet.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

// apiAckCommand records the agent's outcome for one delivered command.
func (s *Server) apiAckCommand(w http.ResponseWriter, r *http.Request) {
	commandID := r.PathValue("id")
	var body struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	found := s.deps.Fleet.AcknowledgeCommand(commandID, body.Status, body.Result)
	if !found {
		// Accept the ack anyway so the agent stops retrying.
		s.deps.Log.Warn("ack for unknown command", "command_id", commandID, "status", body.Status)
	}
	metrics.CommandsCompleted.WithLabelValues(body.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "found": found})
}

// apiWidgetLogsIngest accepts a batch of widget log lines from an agent.
func (s *Server) apiWidgetLogsIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID string           `json:"machine_id"`
		Logs      []fleet.WidgetLog `json:"logs"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	stored := s.deps.Fleet.StoreWidgetLogs(body.MachineID, body.Logs)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stored": stored})
}
