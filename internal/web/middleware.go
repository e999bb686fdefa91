package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// maxBodyBytes caps request bodies. Oversize uploads fail with 413 instead of
// being buffered.
const maxBodyBytes = 10 << 20

type contextKey int

const (
	sessionKey contextKey = iota
	nonceKey
)

// sessionFrom returns the authenticated session stashed by requireSession.
func sessionFrom(r *http.Request) *auth.Session {
	s, _ := r.Context().Value(sessionKey).(*auth.Session)
	return s
}

// cspNonce returns the per-request CSP nonce for inline page scripts.
func cspNonce(r *http.Request) string {
	n, _ := r.Context().Value(nonceKey).(string)
	return n
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Log.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				if isAPIPath(r.URL.Path) {
					writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declared-length precheck rejects oversize uploads before any read.
		if r.ContentLength > maxBodyBytes {
			if isAPIPath(r.URL.Path) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// cors handles cross-origin dashboard deployments. Origins not on the
// allow-list get no CORS headers at all, so browsers refuse the response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.deps.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "no-referrer-when-downgrade")
		if !s.deps.DevMode {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Pages get a nonce-bound CSP so the embedded templates can carry
		// their small inline scripts without unsafe-inline.
		nonce := newNonce()
		h.Set("Content-Security-Policy", fmt.Sprintf(
			"default-src 'self'; script-src 'self' 'nonce-%s'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'", nonce))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nonceKey, nonce)))
	})
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// requireAPIKey guards agent endpoints. The comparison is constant time and
// failures do not reveal whether a key is configured at all.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if s.deps.APIKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

// requireSession guards JSON APIs: a missing or expired session is 401.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.validSession(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	}
}

// requirePage guards HTML pages: unauthenticated browsers bounce to /login.
func (s *Server) requirePage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.validSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	}
}

func (s *Server) validSession(r *http.Request) (*auth.Session, bool) {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	return s.deps.Sessions.Validate(cookie.Value)
}

// rateLimited applies the per-IP limiter to the login surface.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.RateLimit.Allow(clientIP(r)) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "60")
			if isAPIPath(r.URL.Path) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.NotFound(w, r)
}
