// Package cluster coordinates multiple fleet servers through a shared
// backend. Each node publishes a signed heartbeat record; peers list the
// backend, verify every record, and keep only fresh ones. There is no leader
// election — the cluster view is a filtered projection of the backend.
package cluster

import "time"

// Timing policy. A node that misses three heartbeats is considered gone.
const (
	HeartbeatInterval = 10 * time.Second
	NodeTimeout       = 30 * time.Second

	// heartbeatMaxAge is the replay window for heartbeat records, tighter
	// than the window for agent payload records.
	heartbeatMaxAge = 30 * time.Second
)

// Node is one fleet server in the cluster.
type Node struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname"`
	Address       string    `json:"address"` // https host:port peers can reach
	Role          string    `json:"role"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// record flattens a Node into the map form that gets signed.
func (n Node) record() map[string]any {
	return map[string]any{
		"node_id":        n.NodeID,
		"hostname":       n.Hostname,
		"address":        n.Address,
		"role":           n.Role,
		"version":        n.Version,
		"started_at":     n.StartedAt.Unix(),
		"last_heartbeat": n.LastHeartbeat.Unix(),
	}
}

// nodeFromRecord rebuilds a Node from a verified record. Missing fields are
// zero values; the caller has already established authenticity.
func nodeFromRecord(rec map[string]any) Node {
	n := Node{
		NodeID:   str(rec["node_id"]),
		Hostname: str(rec["hostname"]),
		Address:  str(rec["address"]),
		Role:     str(rec["role"]),
		Version:  str(rec["version"]),
	}
	if ts, ok := unixTime(rec["started_at"]); ok {
		n.StartedAt = ts
	}
	if ts, ok := unixTime(rec["last_heartbeat"]); ok {
		n.LastHeartbeat = ts
	}
	return n
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func unixTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0).UTC(), true
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Status is the authenticated cluster view.
type Status struct {
	Enabled bool   `json:"enabled"`
	NodeID  string `json:"node_id"`
	Nodes   []Node `json:"nodes"`
}

// HealthLevel summarises the coordinator's own health.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// NodeStatus classifies one node inside a health report: healthy while
// heartbeats keep arriving on schedule, degraded once one is missed, offline
// past the node timeout.
type NodeStatus string

const (
	NodeHealthy  NodeStatus = "healthy"
	NodeDegraded NodeStatus = "degraded"
	NodeOffline  NodeStatus = "offline"
)

// NodeHealth is the per-node entry in a health report. Uptime is seconds
// since the node started; IsCurrent marks the node answering the request.
type NodeHealth struct {
	NodeID        string     `json:"node_id"`
	Status        NodeStatus `json:"status"`
	UptimeSeconds int64      `json:"uptime"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	IsCurrent     bool       `json:"is_current"`
}

// HealthReport is the detailed health-check surface, including backend
// round-trip latency and a per-node breakdown.
type HealthReport struct {
	Overall          HealthLevel  `json:"overall"`
	BackendLatencyMS float64      `json:"backend_latency_ms"`
	BackendError     string       `json:"backend_error,omitempty"`
	ActiveNodes      int          `json:"active_nodes"`
	HealthyNodes     int          `json:"healthy_nodes"`
	DroppedRecords   int          `json:"dropped_records"`
	Nodes            []NodeHealth `json:"nodes"`
}
