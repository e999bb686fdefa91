package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// clusterEntry wraps a node payload with its expiry so stale nodes age out
// even if the owner never deregisters.
type clusterEntry struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ClusterPut stores a node payload under its node ID with a TTL.
func (s *Store) ClusterPut(nodeID string, payload []byte, ttl time.Duration) error {
	data, err := json.Marshal(clusterEntry{
		Payload:   json.RawMessage(payload),
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("marshal cluster entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterNodes).Put([]byte(nodeID), data)
	})
}

// ClusterGet returns a node's payload, or nil if absent or expired.
func (s *Store) ClusterGet(nodeID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClusterNodes).Get([]byte(nodeID))
		if v == nil {
			return nil
		}
		var e clusterEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal cluster entry %q: %w", nodeID, err)
		}
		if time.Now().UTC().After(e.ExpiresAt) {
			return nil
		}
		out = append([]byte(nil), e.Payload...)
		return nil
	})
	return out, err
}

// ClusterList returns every unexpired node payload keyed by node ID.
func (s *Store) ClusterList() (map[string][]byte, error) {
	out := make(map[string][]byte)
	now := time.Now().UTC()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterNodes).ForEach(func(k, v []byte) error {
			var e clusterEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal cluster entry %q: %w", k, err)
			}
			if now.After(e.ExpiresAt) {
				return nil
			}
			out[string(k)] = append([]byte(nil), e.Payload...)
			return nil
		})
	})
	return out, err
}

// ClusterDelete removes a node record, used on clean shutdown.
func (s *Store) ClusterDelete(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterNodes).Delete([]byte(nodeID))
	})
}

// ClusterSweep deletes expired node records and returns how many it removed.
func (s *Store) ClusterSweep() (int, error) {
	now := time.Now().UTC()
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClusterNodes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e clusterEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if now.After(e.ExpiresAt) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
