package fleet

import "time"

// Network test kinds with their headline metric.
var networkTestKinds = map[string]string{
	"udp_quality":     "quality_score",
	"connection_rate": "connections_per_second",
	"throughput":      "download_mbps",
	"mos":             "mos_score",
}

// networkTestRingSize bounds each per-kind ring.
const networkTestRingSize = 100

// NetworkTestEntry is one stored test result.
type NetworkTestEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`
}

// NetworkTestSummary is a time-windowed aggregate over one test kind.
type NetworkTestSummary struct {
	Kind   string  `json:"kind"`
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// KnownNetworkTestKind reports whether kind is one the store accepts.
func KnownNetworkTestKind(kind string) bool {
	_, ok := networkTestKinds[kind]
	return ok
}

// StoreNetworkTestMetrics appends a test result to the machine's per-kind
// ring, allocating it lazily. Unknown kinds are ignored; the caller logs.
func (s *Store) StoreNetworkTestMetrics(machineID, kind string, metrics map[string]any) bool {
	if !KnownNetworkTestKind(kind) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return false
	}
	r, ok := st.netTests[kind]
	if !ok {
		r = newRing[NetworkTestEntry](networkTestRingSize)
		st.netTests[kind] = r
	}
	r.push(NetworkTestEntry{Timestamp: s.clk.Now(), Metrics: metrics})
	return true
}

// GetNetworkTestMetrics returns a machine's stored results for one kind,
// oldest-first.
func (s *Store) GetNetworkTestMetrics(machineID, kind string) []NetworkTestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	r, ok := st.netTests[kind]
	if !ok {
		return nil
	}
	return r.tail(0)
}

// GetFleetNetworkTestSummary aggregates the headline metric for a kind over
// the trailing window. kind "" summarises every kind.
func (s *Store) GetFleetNetworkTestSummary(kind string, window time.Duration) []NetworkTestSummary {
	kinds := []string{kind}
	if kind == "" {
		kinds = kinds[:0]
		for k := range networkTestKinds {
			kinds = append(kinds, k)
		}
	}
	cutoff := s.clk.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NetworkTestSummary, 0, len(kinds))
	for _, k := range kinds {
		metric, ok := networkTestKinds[k]
		if !ok {
			continue
		}
		sum := NetworkTestSummary{Kind: k, Metric: metric}
		var total float64
		for _, st := range s.machines {
			r, ok := st.netTests[k]
			if !ok {
				continue
			}
			for _, e := range r.tail(0) {
				if e.Timestamp.Before(cutoff) {
					continue
				}
				v, ok := asFloat(e.Metrics[metric])
				if !ok {
					continue
				}
				if sum.Count == 0 || v < sum.Min {
					sum.Min = v
				}
				if sum.Count == 0 || v > sum.Max {
					sum.Max = v
				}
				total += v
				sum.Count++
			}
		}
		if sum.Count > 0 {
			sum.Avg = total / float64(sum.Count)
		}
		out = append(out, sum)
	}
	return out
}
