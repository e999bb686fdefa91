package fleet

// alertThreshold is the resource usage percentage above which a machine
// contributes a critical alert to the fleet summary.
const alertThreshold = 90.0

// Alert flags one over-threshold resource on one machine.
type Alert struct {
	MachineID string  `json:"machine_id"`
	Resource  string  `json:"resource"`
	Value     float64 `json:"value"`
	Severity  string  `json:"severity"`
}

// Summary aggregates fleet-wide state. Averages cover online machines only
// and are zero when no machine is online.
type Summary struct {
	TotalMachines int     `json:"total_machines"`
	Online        int     `json:"online"`
	Warning       int     `json:"warning"`
	Offline       int     `json:"offline"`
	Stopped       int     `json:"stopped"`
	AvgCPU        float64 `json:"avg_cpu"`
	AvgMemory     float64 `json:"avg_memory"`
	AvgDisk       float64 `json:"avg_disk"`
	Alerts        []Alert `json:"alerts"`
}

// GetFleetSummary computes counts by status, resource averages over online
// machines, and the >90% critical alert list. Safe on an empty fleet.
func (s *Store) GetFleetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Alerts: []Alert{}}
	var cpuTotal, memTotal, diskTotal float64
	var online int

	for id, st := range s.machines {
		sum.TotalMachines++
		status := s.statusLocked(st)
		switch status {
		case StatusOnline:
			sum.Online++
		case StatusWarning:
			sum.Warning++
		case StatusOffline:
			sum.Offline++
		case StatusStopped:
			sum.Stopped++
		}
		if status != StatusOnline {
			continue
		}
		online++
		for _, res := range [...]string{"cpu", "memory", "disk"} {
			v, ok := metricPercent(st.machine.LatestMetrics, res)
			if !ok {
				continue
			}
			switch res {
			case "cpu":
				cpuTotal += v
			case "memory":
				memTotal += v
			case "disk":
				diskTotal += v
			}
			if v > alertThreshold {
				sum.Alerts = append(sum.Alerts, Alert{
					MachineID: id,
					Resource:  res,
					Value:     v,
					Severity:  "critical",
				})
			}
		}
	}

	if online > 0 {
		sum.AvgCPU = cpuTotal / float64(online)
		sum.AvgMemory = memTotal / float64(online)
		sum.AvgDisk = diskTotal / float64(online)
	}
	return sum
}

// metricPercent extracts metrics[resource].percent from the opaque blob.
func metricPercent(metrics map[string]any, resource string) (float64, bool) {
	sub, ok := metrics[resource].(map[string]any)
	if !ok {
		return 0, false
	}
	return asFloat(sub["percent"])
}

// asFloat tolerates the numeric types that survive a JSON round-trip.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
