package web

import (
	"net/http"

	"github.com/atlas-fleet/atlas/internal/cluster"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// apiClusterHealth is the unauthenticated load-balancer probe: 200 when this
// node can reach the cluster backend, 503 when it cannot. Single-node
// deployments are always healthy.
func (s *Server) apiClusterHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cluster": false})
		return
	}
	if !s.deps.Cluster.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"node_id": s.deps.Cluster.NodeID(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": s.deps.Cluster.NodeID(),
	})
}

// apiClusterStatus returns the authenticated cluster view.
func (s *Server) apiClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeJSON(w, http.StatusOK, cluster.Status{Enabled: false, Nodes: []cluster.Node{}})
		return
	}
	status := s.deps.Cluster.Status()
	if status.Nodes == nil {
		status.Nodes = []cluster.Node{}
	}
	metrics.ClusterNodes.Set(float64(len(status.Nodes)))
	writeJSON(w, http.StatusOK, status)
}

// apiClusterNodes returns just the verified node list.
func (s *Server) apiClusterNodes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []cluster.Node{}})
		return
	}
	nodes, err := s.deps.Cluster.ActiveNodes()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "cluster backend unreachable")
		return
	}
	if nodes == nil {
		nodes = []cluster.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// apiClusterHealthCheck runs the full backend round-trip diagnostic.
func (s *Server) apiClusterHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cluster == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	report := s.deps.Cluster.HealthCheck()
	status := http.StatusOK
	if report.Overall == cluster.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
