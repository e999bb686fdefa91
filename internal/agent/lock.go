package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// DefaultLockPath is where the singleton lock lives.
func DefaultLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".atlas-agent.lock")
	}
	return filepath.Join(home, ".atlas-agent.lock")
}

// AcquireLock takes the singleton file lock, ensuring one agent per host.
// When another agent holds it, the error names the holder's PID so the
// operator can find it.
func AcquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		holder := "unknown"
		if data, rerr := os.ReadFile(path); rerr == nil {
			if pid := strings.TrimSpace(string(data)); pid != "" {
				holder = pid
			}
		}
		return nil, fmt.Errorf("another agent is already running (pid %s, lock %s)", holder, path)
	}
	// Record our PID in the lock file for the error message above.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return lock, nil
}

// ReleaseLock drops the singleton lock and removes the PID file.
func ReleaseLock(lock *flock.Flock) {
	path := lock.Path()
	_ = lock.Unlock()
	_ = os.Remove(path)
}
