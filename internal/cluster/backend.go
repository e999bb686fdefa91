package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/atlas-fleet/atlas/internal/store"
)

// Backend is where signed heartbeat records live. Implementations must be
// safe for concurrent use from multiple server processes.
type Backend interface {
	// Publish stores one node's signed record, replacing any previous one.
	Publish(nodeID string, rec map[string]any) error
	// List returns every stored record keyed by node ID, unverified.
	List() (map[string]map[string]any, error)
	// Remove deletes a node's record (clean shutdown).
	Remove(nodeID string) error
}

// ---- file backend ----

// fileState is the on-disk shape of the shared state file.
type fileState struct {
	Nodes map[string]map[string]any `json:"nodes"`
}

// FileBackend keeps cluster state in a JSON file, for deployments where the
// servers share a filesystem. Cross-process safety comes from an advisory
// flock around every read-modify-write.
type FileBackend struct {
	path string
	lock *flock.Flock
}

// DefaultStatePath is the file backend's default location.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fleet-cluster", "cluster-state.json")
}

// NewFileBackend creates a file backend at path, creating the parent
// directory if needed.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		path = DefaultStatePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cluster state dir: %w", err)
	}
	return &FileBackend{path: path, lock: flock.New(path + ".lock")}, nil
}

func (f *FileBackend) Publish(nodeID string, rec map[string]any) error {
	return f.update(func(st *fileState) {
		st.Nodes[nodeID] = rec
	})
}

func (f *FileBackend) Remove(nodeID string) error {
	return f.update(func(st *fileState) {
		delete(st.Nodes, nodeID)
	})
}

func (f *FileBackend) List() (map[string]map[string]any, error) {
	if err := f.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock cluster state: %w", err)
	}
	defer f.lock.Unlock()
	st, err := f.read()
	if err != nil {
		return nil, err
	}
	return st.Nodes, nil
}

func (f *FileBackend) update(mutate func(*fileState)) error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock cluster state: %w", err)
	}
	defer f.lock.Unlock()

	st, err := f.read()
	if err != nil {
		return err
	}
	mutate(st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cluster state: %w", err)
	}
	// Write-then-rename so a crashed writer never leaves a torn file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cluster state: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileBackend) read() (*fileState, error) {
	st := &fileState{Nodes: make(map[string]map[string]any)}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cluster state: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse cluster state: %w", err)
	}
	if st.Nodes == nil {
		st.Nodes = make(map[string]map[string]any)
	}
	return st, nil
}

// ---- KV backend ----

// KVBackend keeps cluster state in the server's BoltDB, for deployments
// where the nodes share a database. Records carry a TTL of twice the node
// timeout so crashed nodes age out without a sweep.
type KVBackend struct {
	db *store.Store
}

// NewKVBackend wraps the persistence store as a cluster backend.
func NewKVBackend(db *store.Store) *KVBackend {
	return &KVBackend{db: db}
}

func (k *KVBackend) Publish(nodeID string, rec map[string]any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}
	return k.db.ClusterPut(nodeID, data, 2*NodeTimeout)
}

func (k *KVBackend) List() (map[string]map[string]any, error) {
	raw, err := k.db.ClusterList()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(raw))
	for id, data := range raw {
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse node record %q: %w", id, err)
		}
		out[id] = rec
	}
	return out, nil
}

func (k *KVBackend) Remove(nodeID string) error {
	return k.db.ClusterDelete(nodeID)
}

// Sweep removes expired records; run from the maintenance schedule.
func (k *KVBackend) Sweep() (int, error) {
	return k.db.ClusterSweep()
}

var _ Backend = (*FileBackend)(nil)
var _ Backend = (*KVBackend)(nil)

// retryDelay spaces backend retries inside one heartbeat period.
const retryDelay = 2 * time.Second
