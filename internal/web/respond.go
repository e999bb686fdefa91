package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
)

// writeJSON writes v with the no-store cache policy every API response gets.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the uniform API error shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body into dst, distinguishing oversize
// bodies so the caller can return 413.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// clientIP strips the port from RemoteAddr. No proxy-header trust: the rate
// limiter and lockout key on the socket peer.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		host = ap.Addr().String()
	}
	return host
}

// isAPIPath reports whether errors should render as JSON instead of a page.
func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/metrics"
}
