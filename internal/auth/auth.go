// Package auth covers operator authentication for the fleet server: user
// accounts, password policy and hashing, login lockout, browser sessions,
// CSRF tokens, and request rate limiting.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already exists")
	ErrUsersExist         = errors.New("users already exist")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// LockedError is returned while a (username, ip) pair is locked out.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %d seconds", int(e.RetryAfter.Seconds()))
}

// User is an operator account. Users are keyed by username.
type User struct {
	Username            string     `json:"username"`
	PasswordHash        string     `json:"password_hash"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	IsActive            bool       `json:"is_active"`
	NeedsPasswordUpdate bool       `json:"needs_password_update"`
}

// UserStore is the persistence surface the manager needs for accounts.
type UserStore interface {
	GetUser(username string) (*User, error)
	CreateUser(User) error
	CreateFirstUser(User) error
	UpdateUser(User) error
	DeleteUser(username string) error
	ListUsers() ([]User, error)
}

// AttemptStore records failed logins per (username, ip) pair.
type AttemptStore interface {
	RecordLoginAttempt(username, ip string, at time.Time) error
	CountLoginAttempts(username, ip string, since time.Time) (int, error)
	ClearLoginAttempts(username, ip string) error
	LastLoginAttempt(username, ip string) (time.Time, bool, error)
}

// Lockout policy: 5 failures per (username, ip) within the window locks the
// pair for lockoutDuration, refreshed by further failures.
const (
	maxLoginFailures = 5
	failureWindow    = 5 * time.Minute
	lockoutDuration  = 300 * time.Second
)

// Manager ties accounts, password verification, and lockout together.
type Manager struct {
	users    UserStore
	attempts AttemptStore
	clk      clock.Clock
}

// NewManager creates an auth manager over the given stores.
func NewManager(users UserStore, attempts AttemptStore) *Manager {
	return &Manager{users: users, attempts: attempts, clk: clock.Real{}}
}

// WithClock injects a test clock and returns the manager for chaining.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clk = c
	return m
}

// LockedFor reports the remaining lockout for a pair, zero when not locked.
// Remaining time is measured from the most recent failure, so repeated
// attempts against a locked account extend the lockout.
func (m *Manager) LockedFor(username, ip string) (time.Duration, error) {
	now := m.clk.Now()
	count, err := m.attempts.CountLoginAttempts(username, ip, now.Add(-failureWindow))
	if err != nil {
		return 0, err
	}
	if count < maxLoginFailures {
		return 0, nil
	}
	last, ok, err := m.attempts.LastLoginAttempt(username, ip)
	if err != nil || !ok {
		return 0, err
	}
	remaining := last.Add(lockoutDuration).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Authenticate verifies credentials for a login from ip. Lockout is checked
// first so a locked pair cannot probe passwords. Legacy password hashes are
// upgraded to bcrypt in place on successful login.
func (m *Manager) Authenticate(username, password, ip string) (*User, error) {
	if remaining, err := m.LockedFor(username, ip); err != nil {
		return nil, err
	} else if remaining > 0 {
		return nil, &LockedError{RetryAfter: remaining}
	}

	user, err := m.users.GetUser(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Record the failure so unknown usernames lock out the same way.
			m.recordFailure(username, ip)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, legacy := VerifyPassword(user.PasswordHash, password)
	if ok && !user.IsActive {
		// Deactivated accounts fail like bad credentials, not like lockouts.
		ok = false
	}
	if !ok {
		m.recordFailure(username, ip)
		if remaining, lerr := m.LockedFor(username, ip); lerr == nil && remaining > 0 {
			return nil, &LockedError{RetryAfter: remaining}
		}
		return nil, ErrInvalidCredentials
	}

	if legacy {
		if newHash, herr := HashPassword(password); herr == nil {
			user.PasswordHash = newHash
		}
	}
	now := m.clk.Now()
	user.LastLogin = &now
	if err := m.users.UpdateUser(*user); err != nil {
		return nil, fmt.Errorf("update user on login: %w", err)
	}
	if err := m.attempts.ClearLoginAttempts(username, ip); err != nil {
		return nil, err
	}
	return user, nil
}

func (m *Manager) recordFailure(username, ip string) {
	// Best effort: a failed write must not turn a bad password into a 500.
	_ = m.attempts.RecordLoginAttempt(username, ip, m.clk.Now())
}

// CreateUser validates the password policy, hashes, and persists a new user.
func (m *Manager) CreateUser(username, password, role string) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    m.clk.Now(),
		IsActive:     true,
	}
	if err := m.users.CreateUser(user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateFirstUser bootstraps the initial admin; fails if any user exists.
func (m *Manager) CreateFirstUser(username, password string) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		Username:     username,
		PasswordHash: hash,
		Role:         "admin",
		CreatedAt:    m.clk.Now(),
		IsActive:     true,
	}
	if err := m.users.CreateFirstUser(user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword verifies the current password, validates the new one, and
// persists the new hash.
func (m *Manager) ChangePassword(username, current, next string) error {
	user, err := m.users.GetUser(username)
	if err != nil {
		return err
	}
	if ok, _ := VerifyPassword(user.PasswordHash, current); !ok {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.NeedsPasswordUpdate = false
	return m.users.UpdateUser(*user)
}

// ForcePasswordUpdate flags an account so its next login is steered to the
// password change flow. Cleared by ChangePassword.
func (m *Manager) ForcePasswordUpdate(username string) error {
	user, err := m.users.GetUser(username)
	if err != nil {
		return err
	}
	user.NeedsPasswordUpdate = true
	return m.users.UpdateUser(*user)
}

// GetUser returns one account with the password hash blanked.
func (m *Manager) GetUser(username string) (*User, error) {
	user, err := m.users.GetUser(username)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

// ErrLastAdmin guards the at-least-one-admin invariant.
var ErrLastAdmin = errors.New("Cannot delete the last admin user")

// DeleteUser removes a user account. Deleting the last admin is refused.
func (m *Manager) DeleteUser(username string) error {
	target, err := m.users.GetUser(username)
	if err != nil {
		return err
	}
	if target.Role == "admin" {
		all, err := m.users.ListUsers()
		if err != nil {
			return err
		}
		admins := 0
		for _, u := range all {
			if u.Role == "admin" && u.IsActive {
				admins++
			}
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}
	return m.users.DeleteUser(username)
}

// SetActive activates or deactivates an account. Deactivating the last
// active admin is refused for the same reason deleting one is.
func (m *Manager) SetActive(username string, active bool) error {
	target, err := m.users.GetUser(username)
	if err != nil {
		return err
	}
	if !active && target.Role == "admin" && target.IsActive {
		all, err := m.users.ListUsers()
		if err != nil {
			return err
		}
		admins := 0
		for _, u := range all {
			if u.Role == "admin" && u.IsActive {
				admins++
			}
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}
	target.IsActive = active
	return m.users.UpdateUser(*target)
}

// ListUsers returns all accounts with password hashes blanked.
func (m *Manager) ListUsers() ([]User, error) {
	users, err := m.users.ListUsers()
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}
