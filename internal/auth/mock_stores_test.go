package auth

import (
	"sort"
	"sync"
	"time"
)

// memUserStore is an in-memory UserStore for tests.
type memUserStore struct {
	mu    sync.Mutex
	users map[string]User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]User)}
}

func (m *memUserStore) GetUser(username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *memUserStore) CreateUser(u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrUserExists
	}
	m.users[u.Username] = u
	return nil
}

func (m *memUserStore) CreateFirstUser(u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 {
		return ErrUsersExist
	}
	m.users[u.Username] = u
	return nil
}

func (m *memUserStore) UpdateUser(u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; !ok {
		return ErrUserNotFound
	}
	m.users[u.Username] = u
	return nil
}

func (m *memUserStore) DeleteUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, username)
	return nil
}

func (m *memUserStore) ListUsers() ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// memAttemptStore is an in-memory AttemptStore for tests.
type memAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newMemAttemptStore() *memAttemptStore {
	return &memAttemptStore{attempts: make(map[string][]time.Time)}
}

func pairKey(username, ip string) string { return username + "::" + ip }

func (m *memAttemptStore) RecordLoginAttempt(username, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(username, ip)
	m.attempts[k] = append(m.attempts[k], at)
	return nil
}

func (m *memAttemptStore) CountLoginAttempts(username, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.attempts[pairKey(username, ip)] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttemptStore) ClearLoginAttempts(username, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, pairKey(username, ip))
	return nil
}

func (m *memAttemptStore) LastLoginAttempt(username, ip string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.attempts[pairKey(username, ip)]
	if len(list) == 0 {
		return time.Time{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// fakeClock lets tests move time explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
