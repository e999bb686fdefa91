package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost        = 12
	minPasswordLength = 12
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 12 characters")
	ErrPasswordNoUpper  = errors.New("password must contain an uppercase letter")
	ErrPasswordNoLower  = errors.New("password must contain a lowercase letter")
	ErrPasswordNoDigit  = errors.New("password must contain a digit")
	ErrPasswordNoSymbol = errors.New("password must contain a symbol")
)

// ValidatePassword checks the password policy. Every unmet requirement is
// reported, joined into one error, so the operator can fix them all at once.
func ValidatePassword(password string) error {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	var errs []error
	if len(password) < minPasswordLength {
		errs = append(errs, ErrPasswordTooShort)
	}
	if !hasUpper {
		errs = append(errs, ErrPasswordNoUpper)
	}
	if !hasLower {
		errs = append(errs, ErrPasswordNoLower)
	}
	if !hasDigit {
		errs = append(errs, ErrPasswordNoDigit)
	}
	if !hasSymbol {
		errs = append(errs, ErrPasswordNoSymbol)
	}
	return errors.Join(errs...)
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a stored hash. Hashes starting
// with "$2" are bcrypt; anything else is the legacy "salt$sha256hex" scheme,
// kept so accounts migrated from older deployments can still log in. legacy
// reports that the hash should be upgraded after a successful match.
func VerifyPassword(stored, password string) (ok, legacy bool) {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, false
	}
	salt, digest, found := strings.Cut(stored, "$")
	if !found {
		return false, false
	}
	sum := sha256.Sum256([]byte(salt + password))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1, true
}

// LegacyHash produces a "salt$sha256hex" hash. Only used by migration
// tooling and tests; new hashes are always bcrypt.
func LegacyHash(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return salt + "$" + hex.EncodeToString(sum[:])
}
