package web

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// requireAdmin loads the session user and enforces the admin role. Returns
// nil after writing the error response when the caller is not an admin.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.User {
	sess := sessionFrom(r)
	user, err := s.deps.Auth.GetUser(sess.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	if user.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return nil
	}
	return user
}

func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if body.Role == "" {
		body.Role = "viewer"
	}
	user, err := s.deps.Auth.CreateUser(body.Username, body.Password, body.Role)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Log.Info("user created", "username", user.Username, "role", user.Role, "by", admin.Username)
	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) apiListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Auth.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) apiDeleteUser(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	username := r.PathValue("username")
	err := s.deps.Auth.DeleteUser(username)
	switch {
	case errors.Is(err, auth.ErrLastAdmin):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	// Deleted accounts lose their live sessions immediately.
	s.deps.Sessions.DestroyUser(username)
	s.deps.Log.Info("user deleted", "username", username, "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) apiSetUserActive(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	username := r.PathValue("username")
	var body struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.deps.Auth.SetActive(username, body.Active)
	switch {
	case errors.Is(err, auth.ErrLastAdmin):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	if !body.Active {
		s.deps.Sessions.DestroyUser(username)
	}
	s.deps.Log.Info("user active flag changed", "username", username, "active", body.Active, "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.deps.Auth.ChangePassword(sess.Username, body.CurrentPassword, body.NewPassword)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Other sessions for the account are invalid after a password change;
	// the current one is re-created so the operator stays logged in.
	s.deps.Sessions.DestroyUser(sess.Username)
	fresh, err := s.deps.Sessions.Create(sess.Username, clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}
	auth.SetSessionCookie(w, fresh.Token, !s.deps.DevMode)
	s.deps.Log.Info("password changed", "username", sess.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) apiForcePasswordUpdate(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Auth.ForcePasswordUpdate(body.Username); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to flag user")
		return
	}
	s.deps.Log.Info("password update forced", "username", body.Username, "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) apiCheckPasswordUpdate(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	user, err := s.deps.Auth.GetUser(sess.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"needs_password_update": user.NeedsPasswordUpdate,
	})
}

func (s *Server) apiCurrentUser(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	user, err := s.deps.Auth.GetUser(sess.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Certificates ---

func (s *Server) apiCertStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tls": false})
		return
	}
	info, err := s.deps.Certs.CertInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read certificate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tls":         true,
		"not_after":   info.NotAfter,
		"self_signed": info.SelfSigned,
	})
}

func (s *Server) apiCertInfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certs == nil {
		writeError(w, http.StatusNotFound, "TLS is disabled")
		return
	}
	info, err := s.deps.Certs.CertInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read certificate")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) apiCertUpdate(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	if s.deps.Certs == nil {
		writeError(w, http.StatusNotFound, "TLS is disabled")
		return
	}
	if err := s.deps.Certs.Renew(); err != nil {
		writeError(w, http.StatusInternalServerError, "certificate renewal failed")
		return
	}
	s.deps.Log.Info("certificate renewed", "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- E2EE key lifecycle ---

// apiVerifyAndGetKey re-verifies the operator's password before releasing
// the envelope key. A live session alone is not enough to read the key.
func (s *Server) apiVerifyAndGetKey(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if _, err := s.deps.Auth.Authenticate(sess.Username, body.Password, clientIP(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "password verification failed")
		return
	}
	encoded := s.deps.Keys.CurrentEncoded()
	if encoded == "" {
		writeError(w, http.StatusNotFound, "no encryption key configured")
		return
	}
	s.deps.Log.Info("encryption key read", "user", sess.Username)
	writeJSON(w, http.StatusOK, map[string]any{"encryption_key": encoded})
}

// verifyOperatorPassword re-checks the caller's password from the request
// body. Key material never moves on a session cookie alone.
func (s *Server) verifyOperatorPassword(w http.ResponseWriter, r *http.Request, username string) bool {
	var body struct {
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return false
	}
	if _, err := s.deps.Auth.Authenticate(username, body.Password, clientIP(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "password verification failed")
		return false
	}
	return true
}

// apiGenerateKey provisions the first envelope key. Refused when one exists.
func (s *Server) apiGenerateKey(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	if !s.verifyOperatorPassword(w, r, admin.Username) {
		return
	}
	if s.deps.Keys.Current() != nil {
		writeError(w, http.StatusConflict, "encryption key already exists")
		return
	}
	encoded, err := s.deps.Keys.Generate(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	s.deps.Log.Info("encryption key generated", "by", admin.Username)
	writeJSON(w, http.StatusCreated, map[string]any{"encryption_key": encoded})
}

// apiRegenerateKey replaces the key without coordinating agents. Agents must
// be re-provisioned out of band; their next encrypted reports will fail.
func (s *Server) apiRegenerateKey(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	if !s.verifyOperatorPassword(w, r, admin.Username) {
		return
	}
	encoded, err := s.deps.Keys.Generate(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	s.deps.Log.Warn("encryption key regenerated without rotation", "by", admin.Username)
	writeJSON(w, http.StatusOK, map[string]any{"encryption_key": encoded})
}

// apiRotateKey performs coordinated rotation: the new key is persisted
// immediately, and every known machine gets a rotate command whose payload is
// the new key sealed under the old one. Agents that miss the window need
// re-provisioning, same as a regenerate.
func (s *Server) apiRotateKey(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	if !s.verifyOperatorPassword(w, r, admin.Username) {
		return
	}
	newEncoded, oldKey, err := s.deps.Keys.Rotate()
	if err != nil {
		if errors.Is(err, ErrNoKey) {
			writeError(w, http.StatusConflict, "no encryption key to rotate")
			return
		}
		writeError(w, http.StatusInternalServerError, "key rotation failed")
		return
	}

	ids := s.deps.Fleet.MachineIDs()
	queued := 0
	for _, id := range ids {
		env, err := crypto.Encrypt(oldKey, map[string]any{"new_key": newEncoded})
		if err != nil {
			s.deps.Log.Error("rotation envelope failed", "machine_id", id, "error", err)
			continue
		}
		s.deps.Fleet.AddPendingCommand(id, "rotate_encryption_key", map[string]any{
			"encrypted_new_key": env,
		})
		metrics.CommandsIssued.WithLabelValues("rotate_encryption_key").Inc()
		queued++
	}
	s.deps.Log.Info("encryption key rotated", "by", admin.Username, "agents_queued", queued)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"encryption_key": newEncoded,
		"agents_queued":  queued,
	})
}

func (s *Server) apiKeyRotationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"machines": s.deps.Fleet.RotationStatus(),
	})
}

func (s *Server) apiE2EEStatus(w http.ResponseWriter, r *http.Request) {
	verified := 0
	machines := s.deps.Fleet.GetAllMachines()
	for _, m := range machines {
		if m.E2EEVerified {
			verified++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":           s.deps.Keys.Current() != nil,
		"verified_machines": verified,
		"total_machines":    len(machines),
	})
}

// handleMetrics serves the Prometheus registry behind the session gate.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
