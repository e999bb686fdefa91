package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/fleet"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// resolveMachine finds a machine by machine_id or hardware serial, writing
// the 404 itself when neither matches.
func (s *Server) resolveMachine(w http.ResponseWriter, r *http.Request) *fleet.Machine {
	identifier := r.PathValue("identifier")
	m := s.deps.Fleet.ResolveMachine(identifier)
	if m == nil {
		writeError(w, http.StatusNotFound, "machine not found")
	}
	return m
}

func (s *Server) apiMachineDetail(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) apiMachineHistory(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	history := s.deps.Fleet.GetMachineHistory(m.MachineID, limit)
	if history == nil {
		history = []fleet.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": m.MachineID,
		"history":    history,
	})
}

func (s *Server) apiRecentCommands(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	commands := s.deps.Fleet.GetRecentCommands(m.MachineID, 20)
	if commands == nil {
		commands = []fleet.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": m.MachineID,
		"commands":   commands,
	})
}

// apiQueueCommand queues a server->agent action for the machine.
func (s *Server) apiQueueCommand(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	var body struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	id := s.deps.Fleet.AddPendingCommand(m.MachineID, body.Action, body.Params)
	metrics.CommandsIssued.WithLabelValues(body.Action).Inc()
	sess := sessionFrom(r)
	s.deps.Log.Info("command queued",
		"machine_id", m.MachineID, "action", body.Action, "command_id", id, "user", sess.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "command_id": id})
}

// apiDecryptDBData opens the machine's stored DB wrap key for an operator.
// The key was sealed by the agent under the fleet envelope key.
func (s *Server) apiDecryptDBData(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	stored := s.deps.Fleet.GetAgentDBKey(m.MachineID)
	if stored == "" {
		writeError(w, http.StatusNotFound, "no db key stored for machine")
		return
	}
	key := s.deps.Keys.Current()
	if key == nil {
		writeError(w, http.StatusInternalServerError, "server has no encryption key configured")
		return
	}

	var env crypto.Envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		writeError(w, http.StatusInternalServerError, "stored db key is not an envelope")
		return
	}
	data, err := crypto.Decrypt(key, &env)
	if err != nil {
		metrics.DecryptFailures.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "decryption failed",
			"e2ee_verified": false,
		})
		return
	}
	sess := sessionFrom(r)
	s.deps.Log.Info("db key decrypted", "machine_id", m.MachineID, "user", sess.Username)
	writeJSON(w, http.StatusOK, map[string]any{"machine_id": m.MachineID, "data": data})
}

// apiDecryptExport decrypts an envelope the operator pasted from an agent
// export and records the access in the export log.
func (s *Server) apiDecryptExport(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	env, ok := crypto.ParseEnvelope(body)
	if !ok {
		writeError(w, http.StatusBadRequest, "body is not an encrypted envelope")
		return
	}
	key := s.deps.Keys.Current()
	if key == nil {
		writeError(w, http.StatusInternalServerError, "server has no encryption key configured")
		return
	}
	data, err := crypto.Decrypt(key, env)
	if err != nil {
		metrics.DecryptFailures.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "decryption failed",
			"e2ee_verified": false,
		})
		return
	}
	sess := sessionFrom(r)
	s.deps.Fleet.StoreExportLog(m.MachineID, map[string]any{
		"kind": "export_decrypted",
		"user": sess.Username,
	})
	writeJSON(w, http.StatusOK, map[string]any{"machine_id": m.MachineID, "data": data})
}
