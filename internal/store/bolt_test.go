package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-fleet/atlas/internal/auth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserCRUD(t *testing.T) {
	s := openTestStore(t)

	u := auth.User{Username: "alice", PasswordHash: "$2-fake", Role: "admin", CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateUser(u); !errors.Is(err, auth.ErrUserExists) {
		t.Errorf("duplicate create err = %v", err)
	}

	got, err := s.GetUser("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != "admin" {
		t.Errorf("role = %q", got.Role)
	}

	got.Role = "viewer"
	if err := s.UpdateUser(*got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ = s.GetUser("alice"); got.Role != "viewer" {
		t.Errorf("role after update = %q", got.Role)
	}

	if n, _ := s.UserCount(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if err := s.DeleteUser("alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetUser("alice"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
	if err := s.DeleteUser("alice"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Errorf("double delete err = %v", err)
	}
}

func TestCreateFirstUser(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateFirstUser(auth.User{Username: "root"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.CreateFirstUser(auth.User{Username: "second"}); !errors.Is(err, auth.ErrUsersExist) {
		t.Errorf("second bootstrap err = %v", err)
	}
}

func TestListUsersOrdered(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		if err := s.CreateUser(auth.User{Username: name}); err != nil {
			t.Fatal(err)
		}
	}
	users, err := s.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(users) != len(want) {
		t.Fatalf("got %d users", len(users))
	}
	for i, u := range users {
		if u.Username != want[i] {
			t.Errorf("users[%d] = %q, want %q", i, u.Username, want[i])
		}
	}
}

func TestLoginAttempts(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.RecordLoginAttempt("alice", "10.0.0.1", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	s.RecordLoginAttempt("alice", "10.0.0.2", base)
	s.RecordLoginAttempt("bob", "10.0.0.1", base)

	if n, _ := s.CountLoginAttempts("alice", "10.0.0.1", base.Add(-time.Minute)); n != 5 {
		t.Errorf("count = %d, want 5", n)
	}

	t.Run("window floor excludes older attempts", func(t *testing.T) {
		if n, _ := s.CountLoginAttempts("alice", "10.0.0.1", base.Add(2*time.Second)); n != 3 {
			t.Errorf("count = %d, want 3", n)
		}
	})

	t.Run("last attempt", func(t *testing.T) {
		at, ok, err := s.LastLoginAttempt("alice", "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("last: ok=%v err=%v", ok, err)
		}
		if !at.Equal(base.Add(4 * time.Second)) {
			t.Errorf("last = %s, want %s", at, base.Add(4*time.Second))
		}
		if _, ok, _ := s.LastLoginAttempt("nobody", "10.0.0.1"); ok {
			t.Error("found attempt for unknown pair")
		}
	})

	t.Run("clear is scoped to the pair", func(t *testing.T) {
		if err := s.ClearLoginAttempts("alice", "10.0.0.1"); err != nil {
			t.Fatal(err)
		}
		if n, _ := s.CountLoginAttempts("alice", "10.0.0.1", base.Add(-time.Minute)); n != 0 {
			t.Errorf("count after clear = %d", n)
		}
		if n, _ := s.CountLoginAttempts("alice", "10.0.0.2", base.Add(-time.Minute)); n != 1 {
			t.Errorf("other ip count = %d, want 1", n)
		}
		if n, _ := s.CountLoginAttempts("bob", "10.0.0.1", base.Add(-time.Minute)); n != 1 {
			t.Errorf("other user count = %d, want 1", n)
		}
	})

	t.Run("prune", func(t *testing.T) {
		pruned, err := s.PruneLoginAttempts(base.Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if pruned != 2 {
			t.Errorf("pruned = %d, want 2", pruned)
		}
	})
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutSetting("retention_days", 14); err != nil {
		t.Fatal(err)
	}
	var days int
	found, err := s.GetSetting("retention_days", &days)
	if err != nil || !found || days != 14 {
		t.Errorf("get setting: found=%v days=%d err=%v", found, days, err)
	}
	if found, _ := s.GetSetting("missing", &days); found {
		t.Error("missing setting reported found")
	}
}

func TestClusterKV(t *testing.T) {
	s := openTestStore(t)

	if err := s.ClusterPut("node-a", []byte(`{"host":"a"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.ClusterPut("node-b", []byte(`{"host":"b"}`), -time.Second); err != nil {
		t.Fatal(err)
	}

	if v, _ := s.ClusterGet("node-a"); string(v) != `{"host":"a"}` {
		t.Errorf("get node-a = %s", v)
	}
	if v, _ := s.ClusterGet("node-b"); v != nil {
		t.Error("expired node returned")
	}

	all, err := s.ClusterList()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("list returned %d nodes, want 1", len(all))
	}

	if removed, _ := s.ClusterSweep(); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if err := s.ClusterDelete("node-a"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.ClusterGet("node-a"); v != nil {
		t.Error("deleted node returned")
	}
}
