package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
)

const (
	// CSRFHeaderName carries the token on state-changing requests.
	CSRFHeaderName = "X-CSRF-Token"

	csrfTokenBytes = 32
	csrfTTL        = 10 * time.Minute
)

// CSRFManager issues single-use tokens. A token is consumed on first
// validation, so a replayed form submission fails even inside the TTL.
type CSRFManager struct {
	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
	clk    clock.Clock
}

// NewCSRFManager creates an empty CSRF token manager.
func NewCSRFManager() *CSRFManager {
	return &CSRFManager{tokens: make(map[string]time.Time), clk: clock.Real{}}
}

// WithClock injects a test clock and returns the manager for chaining.
func (cm *CSRFManager) WithClock(c clock.Clock) *CSRFManager {
	cm.clk = c
	return cm
}

// Issue mints a token valid for one use within the TTL.
func (cm *CSRFManager) Issue() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	cm.mu.Lock()
	cm.tokens[token] = cm.clk.Now().Add(csrfTTL)
	cm.mu.Unlock()
	return token, nil
}

// Consume validates and invalidates a token in one step.
func (cm *CSRFManager) Consume(token string) bool {
	if token == "" {
		return false
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	expiry, ok := cm.tokens[token]
	if !ok {
		return false
	}
	delete(cm.tokens, token)
	return !cm.clk.Now().After(expiry)
}

// Prune drops expired tokens. Run from the maintenance schedule.
func (cm *CSRFManager) Prune() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.clk.Now()
	n := 0
	for token, expiry := range cm.tokens {
		if now.After(expiry) {
			delete(cm.tokens, token)
			n++
		}
	}
	return n
}
