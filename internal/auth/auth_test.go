package auth

import (
	"errors"
	"testing"
	"time"
)

const testPassword = "Str0ng-Passw0rd!"

func newTestManager(t *testing.T) (*Manager, *memUserStore, *fakeClock) {
	t.Helper()
	users := newMemUserStore()
	clk := newFakeClock()
	m := NewManager(users, newMemAttemptStore()).WithClock(clk)
	if _, err := m.CreateUser("alice", testPassword, "admin"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return m, users, clk
}

func TestAuthenticate(t *testing.T) {
	m, _, _ := newTestManager(t)

	u, err := m.Authenticate("alice", testPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Username != "alice" || u.LastLogin == nil {
		t.Errorf("unexpected user %+v", u)
	}

	t.Run("wrong password", func(t *testing.T) {
		if _, err := m.Authenticate("alice", "wrong-password", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want invalid credentials", err)
		}
	})

	t.Run("unknown user gets the same error", func(t *testing.T) {
		if _, err := m.Authenticate("mallory", "whatever", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want invalid credentials", err)
		}
	})
}

func TestLockout(t *testing.T) {
	m, _, clk := newTestManager(t)
	ip := "10.0.0.9"

	for i := 0; i < 4; i++ {
		if _, err := m.Authenticate("alice", "wrong", ip); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
		clk.advance(time.Second)
	}

	// Fifth failure triggers the lockout.
	_, err := m.Authenticate("alice", "wrong", ip)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("fifth failure err = %v, want LockedError", err)
	}
	if locked.RetryAfter <= 0 || locked.RetryAfter > 300*time.Second {
		t.Errorf("retry after = %s, want (0, 300s]", locked.RetryAfter)
	}

	t.Run("correct password still rejected while locked", func(t *testing.T) {
		if _, err := m.Authenticate("alice", testPassword, ip); !errors.As(err, &locked) {
			t.Errorf("err = %v, want LockedError", err)
		}
	})

	t.Run("other ip unaffected", func(t *testing.T) {
		if _, err := m.Authenticate("alice", testPassword, "10.0.0.2"); err != nil {
			t.Errorf("same user from clean ip: %v", err)
		}
	})

	t.Run("lock expires", func(t *testing.T) {
		clk.advance(301 * time.Second)
		if _, err := m.Authenticate("alice", testPassword, ip); err != nil {
			t.Errorf("after lockout window: %v", err)
		}
	})
}

func TestLegacyHashUpgrade(t *testing.T) {
	m, users, clk := newTestManager(t)
	users.users["bob"] = User{
		Username:     "bob",
		PasswordHash: LegacyHash("pepper", testPassword),
		Role:         "viewer",
		CreatedAt:    clk.Now(),
		IsActive:     true,
	}

	if _, err := m.Authenticate("bob", testPassword, "10.0.0.1"); err != nil {
		t.Fatalf("legacy login: %v", err)
	}
	stored := users.users["bob"].PasswordHash
	if ok, legacy := VerifyPassword(stored, testPassword); !ok || legacy {
		t.Errorf("hash not upgraded to bcrypt: ok=%v legacy=%v", ok, legacy)
	}
}

func TestChangePassword(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.ChangePassword("alice", "wrong", "An0ther-Secret!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong current password: err = %v", err)
	}
	if err := m.ChangePassword("alice", testPassword, "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("weak new password: err = %v", err)
	}
	if err := m.ChangePassword("alice", testPassword, "An0ther-Secret!"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := m.Authenticate("alice", "An0ther-Secret!", "10.0.0.1"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestCreateFirstUser(t *testing.T) {
	m := NewManager(newMemUserStore(), newMemAttemptStore())
	if _, err := m.CreateFirstUser("root", testPassword); err != nil {
		t.Fatalf("first user: %v", err)
	}
	if _, err := m.CreateFirstUser("second", testPassword); !errors.Is(err, ErrUsersExist) {
		t.Errorf("second bootstrap err = %v, want ErrUsersExist", err)
	}
}

func TestDeleteLastAdmin(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.DeleteUser("alice"); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("deleting sole admin err = %v, want ErrLastAdmin", err)
	}

	if _, err := m.CreateUser("admin2", testPassword, "admin"); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteUser("alice"); err != nil {
		t.Errorf("delete with second admin present: %v", err)
	}
	if err := m.DeleteUser("admin2"); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("deleting new sole admin err = %v, want ErrLastAdmin", err)
	}
}

func TestListUsersHidesHashes(t *testing.T) {
	m, _, _ := newTestManager(t)
	list, err := m.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PasswordHash != "" {
		t.Errorf("unexpected list %+v", list)
	}
}
