package web

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/atlas-fleet/atlas/internal/fleet"
	"github.com/atlas-fleet/atlas/internal/metrics"
)

// apiMachines returns the full machine list with freshly derived status.
func (s *Server) apiMachines(w http.ResponseWriter, r *http.Request) {
	machines := s.deps.Fleet.GetAllMachines()
	if machines == nil {
		machines = []fleet.Machine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// apiSummary returns the fleet-wide aggregate and refreshes the status gauges.
func (s *Server) apiSummary(w http.ResponseWriter, r *http.Request) {
	sum := s.deps.Fleet.GetFleetSummary()
	metrics.MachinesTotal.Set(float64(sum.TotalMachines))
	metrics.MachinesByStatus.WithLabelValues(fleet.StatusOnline).Set(float64(sum.Online))
	metrics.MachinesByStatus.WithLabelValues(fleet.StatusWarning).Set(float64(sum.Warning))
	metrics.MachinesByStatus.WithLabelValues(fleet.StatusOffline).Set(float64(sum.Offline))
	metrics.MachinesByStatus.WithLabelValues(fleet.StatusStopped).Set(float64(sum.Stopped))
	writeJSON(w, http.StatusOK, sum)
}

// apiServerResources reports the server's own host resources, sampled live.
func (s *Server) apiServerResources(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"pid":        os.Getpid(),
		"version":    s.deps.Version,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory"] = map[string]any{
			"percent":     vm.UsedPercent,
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
		}
	}
	if du, err := disk.Usage("/"); err == nil {
		out["disk"] = map[string]any{
			"percent":     du.UsedPercent,
			"total_bytes": du.Total,
			"free_bytes":  du.Free,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// apiAgents returns the registered-agent projection for the agents table.
func (s *Server) apiAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Fleet.GetRegisteredAgents()
	if agents == nil {
		agents = []fleet.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// apiStorage summarises what the server is holding in memory and how much
// history each machine has accumulated.
func (s *Server) apiStorage(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Fleet.MachineIDs()
	perMachine := make(map[string]any, len(ids))
	for _, id := range ids {
		perMachine[id] = map[string]any{
			"history_entries": len(s.deps.Fleet.GetMachineHistory(id, 0)),
			"widget_logs":     len(s.deps.Fleet.GetWidgetLogs(id, 0)),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machines":         len(ids),
		"history_capacity": fleet.DefaultHistorySize,
		"per_machine":      perMachine,
		"sampled_at":       time.Now().UTC(),
	})
}
