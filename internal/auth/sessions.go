package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
)

const (
	// SessionCookieName is the browser session cookie.
	SessionCookieName = "fleet_session"

	sessionTokenBytes = 32
	sessionTTL        = 8 * time.Hour
)

// Session is one active browser login.
type Session struct {
	Token     string
	Username  string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager holds sessions in memory. A restart logs everyone out,
// which is the intended failure mode for a control plane.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clk      clock.Clock
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session), clk: clock.Real{}}
}

// WithClock injects a test clock and returns the manager for chaining.
func (sm *SessionManager) WithClock(c clock.Clock) *SessionManager {
	sm.clk = c
	return sm
}

// Create mints a 256-bit URL-safe session token for the user.
func (sm *SessionManager) Create(username, ip string) (*Session, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	now := sm.clk.Now()
	s := &Session{
		Token:     base64.RawURLEncoding.EncodeToString(b),
		Username:  username,
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}
	sm.mu.Lock()
	sm.sessions[s.Token] = s
	sm.mu.Unlock()
	return s, nil
}

// Validate looks a token up and, when valid, slides the expiry forward.
// Expired sessions are removed on access.
func (sm *SessionManager) Validate(token string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[token]
	if !ok {
		return nil, false
	}
	now := sm.clk.Now()
	if now.After(s.ExpiresAt) {
		delete(sm.sessions, token)
		return nil, false
	}
	s.ExpiresAt = now.Add(sessionTTL)
	cp := *s
	return &cp, true
}

// Destroy removes one session (logout).
func (sm *SessionManager) Destroy(token string) {
	sm.mu.Lock()
	delete(sm.sessions, token)
	sm.mu.Unlock()
}

// DestroyUser removes every session for a user, called when the account is
// deleted or its password changes.
func (sm *SessionManager) DestroyUser(username string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for token, s := range sm.sessions {
		if s.Username == username {
			delete(sm.sessions, token)
			n++
		}
	}
	return n
}

// Prune drops expired sessions. Run from the maintenance schedule.
func (sm *SessionManager) Prune() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := sm.clk.Now()
	n := 0
	for token, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			delete(sm.sessions, token)
			n++
		}
	}
	return n
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// SetSessionCookie writes the session cookie on a response.
func SetSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
		MaxAge:   int(sessionTTL.Seconds()),
	})
}

// ClearSessionCookie expires the session cookie on logout.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
