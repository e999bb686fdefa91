package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atlas-fleet/atlas/internal/auth"
)

// Login attempt keys are "{username}::{ip}::{RFC3339Nano}" so a cursor range
// over one (username, ip) pair is also chronological, and the pruning sweep
// can drop old records without decoding values.
func loginAttemptKey(username, ip string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s::%s::%s", username, ip, at.UTC().Format(time.RFC3339Nano)))
}

func loginAttemptPrefix(username, ip string) []byte {
	return []byte(fmt.Sprintf("%s::%s::", username, ip))
}

// ============================================================
// User CRUD
// ============================================================

// CreateUser persists a new user keyed by username.
// Returns auth.ErrUserExists if the username is already taken.
func (s *Store) CreateUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get([]byte(user.Username)); existing != nil {
			return auth.ErrUserExists
		}
		return b.Put([]byte(user.Username), data)
	})
}

// CreateFirstUser atomically creates the initial admin only if no users
// exist. Returns auth.ErrUsersExist when the bucket already has records.
func (s *Store) CreateFirstUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if k, _ := b.Cursor().First(); k != nil {
			return auth.ErrUsersExist
		}
		return b.Put([]byte(user.Username), data)
	})
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(username string) (*auth.User, error) {
	var user auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(username))
		if v == nil {
			return auth.ErrUserNotFound
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser overwrites an existing user record.
func (s *Store) UpdateUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.Username)) == nil {
			return auth.ErrUserNotFound
		}
		return b.Put([]byte(user.Username), data)
	})
}

// DeleteUser removes a user. Deleting an unknown user is an error so the
// admin surface can distinguish no-ops.
func (s *Store) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(username)) == nil {
			return auth.ErrUserNotFound
		}
		return b.Delete([]byte(username))
	})
}

// ListUsers returns all users in username order.
func (s *Store) ListUsers() ([]auth.User, error) {
	var users []auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u auth.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("unmarshal user %q: %w", k, err)
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// UserCount returns the number of user records.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return count, err
}

// ============================================================
// Login attempts
// ============================================================

// RecordLoginAttempt appends one failed login for the (username, ip) pair.
func (s *Store) RecordLoginAttempt(username, ip string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLoginAttempts).Put(loginAttemptKey(username, ip, at), []byte("1"))
	})
}

// CountLoginAttempts counts failed logins for the pair since the cutoff.
func (s *Store) CountLoginAttempts(username, ip string, since time.Time) (int, error) {
	prefix := loginAttemptPrefix(username, ip)
	floor := loginAttemptKey(username, ip, since)
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLoginAttempts).Cursor()
		for k, _ := c.Seek(floor); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ClearLoginAttempts drops every recorded failure for the pair, called on a
// successful login.
func (s *Store) ClearLoginAttempts(username, ip string) error {
	prefix := loginAttemptPrefix(username, ip)
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLoginAttempts).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastLoginAttempt returns the newest recorded failure for the pair.
func (s *Store) LastLoginAttempt(username, ip string) (time.Time, bool, error) {
	prefix := loginAttemptPrefix(username, ip)
	var at time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLoginAttempts).Cursor()

		// Seek one byte past the prefix range, then step back to the newest
		// key inside it (';' is the byte after ':' in ASCII).
		end := append(append([]byte(nil), prefix[:len(prefix)-1]...), ';')
		k, _ := c.Seek(end)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(k[len(prefix):]))
		if err != nil {
			return fmt.Errorf("parse attempt key %q: %w", k, err)
		}
		at, found = t, true
		return nil
	})
	return at, found, err
}

// PruneLoginAttempts removes attempts older than the cutoff across all pairs.
// Run from the maintenance schedule.
func (s *Store) PruneLoginAttempts(before time.Time) (int, error) {
	cutoff := before.UTC().Format(time.RFC3339Nano)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLoginAttempts).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			// Timestamp is the final "::" segment.
			i := bytes.LastIndex(k, []byte("::"))
			if i < 0 {
				continue
			}
			if string(k[i+2:]) < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}
