package fleet

import "time"

// WidgetLog is a log line shipped from an agent-side widget monitor.
type WidgetLog struct {
	Timestamp time.Time `json:"timestamp"`
	Widget    string    `json:"widget"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ExportLog records a file export an agent produced. Export logs are
// append-only and not capped like widget logs.
type ExportLog struct {
	Timestamp time.Time      `json:"timestamp"`
	MachineID string         `json:"machine_id"`
	Detail    map[string]any `json:"detail"`
}

// StoreWidgetLogs appends widget log lines for a machine, trimming to the
// per-machine cap. Best effort: unknown machines are dropped silently.
func (s *Store) StoreWidgetLogs(machineID string, logs []WidgetLog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return false
	}
	st.widgetLogs = append(st.widgetLogs, logs...)
	if excess := len(st.widgetLogs) - widgetLogCap; excess > 0 {
		st.widgetLogs = st.widgetLogs[excess:]
	}
	return true
}

// GetWidgetLogs returns up to limit newest widget logs for a machine,
// oldest-first.
func (s *Store) GetWidgetLogs(machineID string, limit int) []WidgetLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	logs := st.widgetLogs
	if limit > 0 && limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	out := make([]WidgetLog, len(logs))
	copy(out, logs)
	return out
}

// StoreExportLog appends an export log entry.
func (s *Store) StoreExportLog(machineID string, detail map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportLogs = append(s.exportLogs, ExportLog{
		Timestamp: s.clk.Now(),
		MachineID: machineID,
		Detail:    detail,
	})
}

// GetExportLogs returns export logs, optionally filtered by machine, newest
// first, up to limit.
func (s *Store) GetExportLogs(machineID string, limit int) []ExportLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExportLog
	for i := len(s.exportLogs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.exportLogs[i]
		if machineID != "" && e.MachineID != machineID {
			continue
		}
		out = append(out, e)
	}
	return out
}
