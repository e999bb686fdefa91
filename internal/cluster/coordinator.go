package cluster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
	"github.com/atlas-fleet/atlas/internal/crypto"
	"github.com/atlas-fleet/atlas/internal/logging"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// Coordinator publishes this node's heartbeat and derives the cluster view
// from the backend.
type Coordinator struct {
	self    Node
	secret  []byte
	backend Backend
	log     *logging.Logger
	clk     clock.Clock
}

// Config wires a Coordinator.
type Config struct {
	Self    Node
	Secret  []byte // cluster key from crypto.DeriveClusterKey
	Backend Backend
	Logger  *logging.Logger
	Clock   clock.Clock // nil means real time
}

// New creates a Coordinator. It does not start the heartbeat loop.
func New(cfg Config) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		self:    cfg.Self,
		secret:  cfg.Secret,
		backend: cfg.Backend,
		log:     cfg.Logger,
		clk:     clk,
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.self.NodeID }

// Run publishes heartbeats until ctx is cancelled, then removes this node's
// record. A failed publish is retried once within the same period.
func (c *Coordinator) Run(ctx context.Context) {
	c.heartbeat()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := c.backend.Remove(c.self.NodeID); err != nil {
				c.log.Warn("cluster deregister failed", "node_id", c.self.NodeID, "error", err)
			}
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

func (c *Coordinator) heartbeat() {
	if err := c.publish(); err != nil {
		c.log.Warn("heartbeat publish failed, retrying", "error", err)
		time.Sleep(retryDelay)
		if err := c.publish(); err != nil {
			c.log.Error("heartbeat publish failed", "node_id", c.self.NodeID, "error", err)
		}
	}
}

func (c *Coordinator) publish() error {
	node := c.self
	node.LastHeartbeat = c.clk.Now().UTC()
	signed, err := crypto.SignRecord(c.secret, node.record())
	if err != nil {
		return err
	}
	return c.backend.Publish(node.NodeID, signed)
}

// ActiveNodes lists backend records, verifies each signature, and keeps only
// nodes heard from within the node timeout. Records that fail verification
// are dropped with a logged reason, never surfaced to callers.
func (c *Coordinator) ActiveNodes() ([]Node, error) {
	nodes, _, err := c.activeNodes()
	return nodes, err
}

func (c *Coordinator) activeNodes() ([]Node, int, error) {
	records, err := c.backend.List()
	if err != nil {
		return nil, 0, err
	}
	now := c.clk.Now()
	var out []Node
	dropped := 0
	for id, rec := range records {
		if err := crypto.VerifyRecord(c.secret, rec, heartbeatMaxAge); err != nil {
			c.log.Warn("dropping cluster record", "node_id", id, "reason", err)
			metrics.SignatureFailures.WithLabelValues(verifyReason(err)).Inc()
			dropped++
			continue
		}
		node := nodeFromRecord(rec)
		if now.Sub(node.LastHeartbeat) > NodeTimeout {
			dropped++
			continue
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, dropped, nil
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrSignatureMissing):
		return "missing"
	case errors.Is(err, crypto.ErrSignatureInvalid):
		return "invalid"
	case errors.Is(err, crypto.ErrTimestampMissing), errors.Is(err, crypto.ErrTimestampFuture):
		return "timestamp"
	case errors.Is(err, crypto.ErrRecordExpired):
		return "expired"
	default:
		return "other"
	}
}

// Status returns the authenticated cluster view.
func (c *Coordinator) Status() Status {
	nodes, _ := c.ActiveNodes()
	return Status{Enabled: true, NodeID: c.self.NodeID, Nodes: nodes}
}

// Healthy reports whether the backend is reachable, for the unauthenticated
// liveness endpoint.
func (c *Coordinator) Healthy() bool {
	_, err := c.backend.List()
	return err == nil
}

// HealthCheck measures a backend round trip and breaks health down per node.
// Overall health needs at least two healthy nodes on top of a reachable
// backend; one healthy node is degraded, none is critical.
func (c *Coordinator) HealthCheck() HealthReport {
	start := time.Now()
	records, err := c.backend.List()
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	report := HealthReport{BackendLatencyMS: latency}
	if err != nil {
		report.Overall = HealthCritical
		report.BackendError = err.Error()
		return report
	}

	now := c.clk.Now()
	for id, rec := range records {
		// Expired records carry a valid signature; keep them so the report
		// can show the node as offline instead of hiding it.
		if err := crypto.VerifyRecord(c.secret, rec, heartbeatMaxAge); err != nil && !errors.Is(err, crypto.ErrRecordExpired) {
			c.log.Warn("dropping cluster record", "node_id", id, "reason", err)
			metrics.SignatureFailures.WithLabelValues(verifyReason(err)).Inc()
			report.DroppedRecords++
			continue
		}
		node := nodeFromRecord(rec)
		nh := NodeHealth{
			NodeID:        node.NodeID,
			UptimeSeconds: int64(now.Sub(node.StartedAt).Seconds()),
			LastHeartbeat: node.LastHeartbeat,
			IsCurrent:     node.NodeID == c.self.NodeID,
		}
		switch age := now.Sub(node.LastHeartbeat); {
		case age <= 2*HeartbeatInterval:
			nh.Status = NodeHealthy
		case age <= NodeTimeout:
			nh.Status = NodeDegraded
		default:
			nh.Status = NodeOffline
		}
		switch nh.Status {
		case NodeHealthy:
			report.HealthyNodes++
			report.ActiveNodes++
		case NodeDegraded:
			report.ActiveNodes++
		}
		report.Nodes = append(report.Nodes, nh)
	}
	sort.Slice(report.Nodes, func(i, j int) bool { return report.Nodes[i].NodeID < report.Nodes[j].NodeID })

	switch {
	case report.HealthyNodes >= 2:
		report.Overall = HealthHealthy
	case report.HealthyNodes == 1:
		report.Overall = HealthDegraded
	default:
		report.Overall = HealthCritical
	}
	return report
}
