package web

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/atlas-fleet/atlas/internal/fleet"
)

// analysisWindow is the trailing window the fleet-wide aggregates cover.
const analysisWindow = 24 * time.Hour

// anomalyRatio flags a throughput sample as anomalous when it falls below
// this fraction of the machine's own average.
const anomalyRatio = 0.5

var speedtestKinds = []string{"udp_quality", "connection_rate", "throughput", "mos"}

// speedtestSample is one test result tagged with its machine.
type speedtestSample struct {
	MachineID string         `json:"machine_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metrics   map[string]any `json:"metrics"`
}

func (s *Server) apiSpeedtestSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Fleet.GetFleetNetworkTestSummary("", analysisWindow)
	sort.Slice(summary, func(i, j int) bool { return summary[i].Kind < summary[j].Kind })
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(analysisWindow.Hours()),
		"summary":      summary,
	})
}

func (s *Server) apiSpeedtestMachine(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	results := make(map[string][]fleet.NetworkTestEntry, len(speedtestKinds))
	for _, kind := range speedtestKinds {
		entries := s.deps.Fleet.GetNetworkTestMetrics(m.MachineID, kind)
		if entries == nil {
			entries = []fleet.NetworkTestEntry{}
		}
		results[kind] = entries
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": m.MachineID,
		"results":    results,
	})
}

// apiSpeedtestComparison ranks machines by average download throughput.
func (s *Server) apiSpeedtestComparison(w http.ResponseWriter, r *http.Request) {
	type row struct {
		MachineID string  `json:"machine_id"`
		Samples   int     `json:"samples"`
		AvgMbps   float64 `json:"avg_download_mbps"`
	}
	rows := []row{}
	for _, id := range s.deps.Fleet.MachineIDs() {
		var total float64
		var n int
		for _, e := range s.deps.Fleet.GetNetworkTestMetrics(id, "throughput") {
			if v, ok := throughputMbps(e.Metrics); ok {
				total += v
				n++
			}
		}
		if n == 0 {
			continue
		}
		rows = append(rows, row{MachineID: id, Samples: n, AvgMbps: total / float64(n)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AvgMbps > rows[j].AvgMbps })
	writeJSON(w, http.StatusOK, map[string]any{"comparison": rows})
}

// apiSpeedtestAnomalies flags samples far below their machine's own average.
func (s *Server) apiSpeedtestAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies := []speedtestSample{}
	for _, id := range s.deps.Fleet.MachineIDs() {
		entries := s.deps.Fleet.GetNetworkTestMetrics(id, "throughput")
		var total float64
		var n int
		for _, e := range entries {
			if v, ok := throughputMbps(e.Metrics); ok {
				total += v
				n++
			}
		}
		if n < 2 {
			continue
		}
		avg := total / float64(n)
		for _, e := range entries {
			if v, ok := throughputMbps(e.Metrics); ok && v < avg*anomalyRatio {
				anomalies = append(anomalies, speedtestSample{
					MachineID: id,
					Timestamp: e.Timestamp,
					Metrics:   e.Metrics,
				})
			}
		}
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Timestamp.After(anomalies[j].Timestamp) })
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

// apiSpeedtestRecent returns the newest throughput samples across the fleet.
func (s *Server) apiSpeedtestRecent(limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples := []speedtestSample{}
		for _, id := range s.deps.Fleet.MachineIDs() {
			for _, e := range s.deps.Fleet.GetNetworkTestMetrics(id, "throughput") {
				samples = append(samples, speedtestSample{
					MachineID: id,
					Timestamp: e.Timestamp,
					Metrics:   e.Metrics,
				})
			}
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.After(samples[j].Timestamp) })
		if len(samples) > limit {
			samples = samples[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": samples, "limit": limit})
	}
}

// apiSpeedtestSubnet groups average throughput by the /24 of each machine's
// reported local IP.
func (s *Server) apiSpeedtestSubnet(w http.ResponseWriter, r *http.Request) {
	type bucket struct {
		total float64
		n     int
	}
	buckets := map[string]*bucket{}
	for _, m := range s.deps.Fleet.GetAllMachines() {
		localIP, _ := m.Info["local_ip"].(string)
		subnet := subnet24(localIP)
		if subnet == "" {
			continue
		}
		for _, e := range s.deps.Fleet.GetNetworkTestMetrics(m.MachineID, "throughput") {
			if v, ok := throughputMbps(e.Metrics); ok {
				b := buckets[subnet]
				if b == nil {
					b = &bucket{}
					buckets[subnet] = b
				}
				b.total += v
				b.n++
			}
		}
	}

	type row struct {
		Subnet  string  `json:"subnet"`
		Samples int     `json:"samples"`
		AvgMbps float64 `json:"avg_download_mbps"`
	}
	rows := []row{}
	for subnet, b := range buckets {
		rows = append(rows, row{Subnet: subnet, Samples: b.n, AvgMbps: b.total / float64(b.n)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Subnet < rows[j].Subnet })
	writeJSON(w, http.StatusOK, map[string]any{"subnets": rows})
}

// apiNetworkAnalysis is the combined dashboard view over every test kind.
func (s *Server) apiNetworkAnalysis(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Fleet.GetFleetNetworkTestSummary("", analysisWindow)
	sort.Slice(summary, func(i, j int) bool { return summary[i].Kind < summary[j].Kind })

	tested := 0
	for _, id := range s.deps.Fleet.MachineIDs() {
		for _, kind := range speedtestKinds {
			if len(s.deps.Fleet.GetNetworkTestMetrics(id, kind)) > 0 {
				tested++
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":         summary,
		"machines_tested": tested,
		"machines_total":  s.deps.Fleet.MachineCount(),
	})
}

func (s *Server) apiNetworkAnalysisMachine(w http.ResponseWriter, r *http.Request) {
	s.apiSpeedtestMachine(w, r)
}

// apiWidgetLogsRead returns the newest widget logs for a machine.
func (s *Server) apiWidgetLogsRead(w http.ResponseWriter, r *http.Request) {
	m := s.resolveMachine(w, r)
	if m == nil {
		return
	}
	logs := s.deps.Fleet.GetWidgetLogs(m.MachineID, 100)
	if logs == nil {
		logs = []fleet.WidgetLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": m.MachineID,
		"logs":       logs,
	})
}

func throughputMbps(metrics map[string]any) (float64, bool) {
	switch v := metrics["download_mbps"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// subnet24 reduces an IPv4 address to its /24 prefix string.
func subnet24(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ""
	}
	return strings.Join(parts[:3], ".") + ".0/24"
}
