package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// pageData is the shared template payload.
type pageData struct {
	Title     string
	Username  string
	CSRFToken string
	Nonce     string
	Error     string
	Machine   string
	Version   string
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	data.Nonce = cspNonce(r)
	data.Version = s.deps.Version
	if sess := sessionFrom(r); sess != nil {
		data.Username = sess.Username
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.deps.Log.Error("template render failed", "template", name, "error", err)
	}
}

func (s *Server) pageIndex(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.validSession(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) pageLogin(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.validSession(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	token, err := s.deps.CSRF.Issue()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, r, "login.html", pageData{Title: "Sign in", CSRFToken: token})
}

func (s *Server) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.loginFailed(w, r, "invalid form submission")
		return
	}
	if !s.deps.CSRF.Consume(r.PostFormValue("_csrf_token")) {
		s.loginFailed(w, r, "session expired, try again")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	ip := clientIP(r)

	user, err := s.deps.Auth.Authenticate(username, password, ip)
	if err != nil {
		var locked *auth.LockedError
		switch {
		case errors.As(err, &locked):
			metrics.LoginAttempts.WithLabelValues("locked").Inc()
			s.loginFailed(w, r, fmt.Sprintf(
				"Too many failed attempts. Try again in %d seconds.", int(locked.RetryAfter.Seconds())))
		case errors.Is(err, auth.ErrInvalidCredentials):
			metrics.LoginAttempts.WithLabelValues("failed").Inc()
			s.loginFailed(w, r, "Invalid username or password.")
		default:
			s.deps.Log.Error("login failed", "error", err)
			s.loginFailed(w, r, "Login is temporarily unavailable.")
		}
		return
	}

	sess, err := s.deps.Sessions.Create(user.Username, ip)
	if err != nil {
		s.loginFailed(w, r, "Login is temporarily unavailable.")
		return
	}
	auth.SetSessionCookie(w, sess.Token, !s.deps.DevMode)
	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	s.deps.Log.Info("login", "username", user.Username, "ip", ip)

	if user.NeedsPasswordUpdate {
		http.Redirect(w, r, "/password-reset", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// loginFailed re-renders the form with a fresh CSRF token and a message.
func (s *Server) loginFailed(w http.ResponseWriter, r *http.Request, msg string) {
	token, err := s.deps.CSRF.Issue()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	s.render(w, r, "login.html", pageData{Title: "Sign in", CSRFToken: token, Error: msg})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		s.deps.Sessions.Destroy(cookie.Value)
	}
	auth.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) pageDashboard(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "dashboard.html", pageData{Title: "Fleet"})
}

func (s *Server) pageSettings(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "settings.html", pageData{Title: "Settings"})
}

func (s *Server) pagePasswordReset(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.CSRF.Issue()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, r, "password_reset.html", pageData{Title: "Change password", CSRFToken: token})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/password-reset", http.StatusFound)
		return
	}
	if !s.deps.CSRF.Consume(r.PostFormValue("_csrf_token")) {
		http.Redirect(w, r, "/password-reset", http.StatusFound)
		return
	}
	current := r.PostFormValue("current_password")
	next := r.PostFormValue("new_password")

	if err := s.deps.Auth.ChangePassword(sess.Username, current, next); err != nil {
		token, terr := s.deps.CSRF.Issue()
		if terr != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		msg := "Password change failed."
		if errors.Is(err, auth.ErrInvalidCredentials) {
			msg = "Current password is incorrect."
		} else if err != nil {
			msg = err.Error()
		}
		s.render(w, r, "password_reset.html", pageData{Title: "Change password", CSRFToken: token, Error: msg})
		return
	}

	// Every session for the account is now stale, including this one.
	s.deps.Sessions.DestroyUser(sess.Username)
	auth.ClearSessionCookie(w)
	s.deps.Log.Info("password reset", "username", sess.Username)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) pageMachine(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	if s.deps.Fleet.ResolveMachine(identifier) == nil {
		http.NotFound(w, r)
		return
	}
	s.render(w, r, "machine.html", pageData{Title: "Machine", Machine: identifier})
}

func (s *Server) pageMachineDashboard(w http.ResponseWriter, r *http.Request) {
	s.pageMachine(w, r)
}
