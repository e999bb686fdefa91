package fleet

import "time"

// HistoryEntry is one sampled metrics blob.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`
}

// ring is a fixed-capacity circular buffer. Push past capacity overwrites
// the oldest entry; tail() returns entries oldest-first.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest entry
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance head.
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.count }

// tail returns up to limit newest entries in oldest-first order.
// limit <= 0 means all.
func (r *ring[T]) tail(limit int) []T {
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// GetMachineHistory returns up to limit newest history entries for a
// machine, oldest-first. Unknown machines yield an empty slice.
func (s *Store) GetMachineHistory(machineID string, limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	return st.history.tail(limit)
}
