// Package fleet holds the server's in-memory view of every monitored
// machine: current state, bounded metric history, derived status, the
// per-machine command queue, and network test rings. One Store per process,
// one coarse mutex; read paths copy out so callers never share memory with
// the store.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
)

// Status thresholds. Status is a pure function of now - last_seen, except
// "stopped" which is set explicitly and sticks until the next report.
const (
	onlineWindow  = 30 * time.Second
	warningWindow = 60 * time.Second
)

// Machine status values.
const (
	StatusOnline  = "online"
	StatusWarning = "warning"
	StatusOffline = "offline"
	StatusStopped = "stopped"
)

// DefaultHistorySize bounds the per-machine metric history ring.
const DefaultHistorySize = 1000

// widgetLogCap bounds per-machine widget logs. Export logs are append-only
// and not subject to this cap.
const widgetLogCap = 500

// HealthCheck is the result of a server->agent probe.
type HealthCheck struct {
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	LatencyMS float64        `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Machine is the full record for one monitored host.
type Machine struct {
	MachineID     string         `json:"machine_id"`
	Info          map[string]any `json:"machine_info"`
	LatestMetrics map[string]any `json:"latest_metrics"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	Status        string         `json:"status"`
	HealthCheck   *HealthCheck   `json:"health_check,omitempty"`
	E2EEVerified  bool           `json:"e2ee_verified"`
}

// SerialNumber returns the hardware serial from the machine info, if the
// agent reported one.
func (m *Machine) SerialNumber() string {
	s, _ := m.Info["serial_number"].(string)
	return s
}

// AgentSummary is the projection returned by GetRegisteredAgents.
type AgentSummary struct {
	MachineID    string    `json:"machine_id"`
	SerialNumber string    `json:"serial_number"`
	ComputerName string    `json:"computer_name"`
	LocalIP      string    `json:"local_ip"`
	DashboardURL string    `json:"dashboard_url"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Status       string    `json:"status"`
}

// NewAgentFunc is invoked outside the store lock the first time a machine
// reports.
type NewAgentFunc func(machineID string, info map[string]any, dashboardURL string)

// machineState is the store-internal record. The exported Machine is a copy.
type machineState struct {
	machine    Machine
	stopped    bool
	history    *ring[HistoryEntry]
	commands   []*Command
	netTests   map[string]*ring[NetworkTestEntry]
	widgetLogs []WidgetLog
	agentDBKey string
}

// Store is the process-wide fleet data store. All methods are safe for
// concurrent use.
type Store struct {
	mu          sync.Mutex
	machines    map[string]*machineState
	exportLogs  []ExportLog
	historySize int
	clk         clock.Clock
	onNewAgent  NewAgentFunc
}

// Option configures a Store.
type Option func(*Store)

// WithHistorySize overrides the per-machine history capacity.
func WithHistorySize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithClock injects a test clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// WithNewAgentCallback registers the first-report callback.
func WithNewAgentCallback(fn NewAgentFunc) Option {
	return func(s *Store) { s.onNewAgent = fn }
}

// NewStore creates an empty fleet store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		machines:    make(map[string]*machineState),
		historySize: DefaultHistorySize,
		clk:         clock.Real{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DashboardURL returns the canonical dashboard path for a machine, using the
// serial number as the slug when available.
func DashboardURL(machineID string, info map[string]any) string {
	slug := machineID
	if serial, _ := info["serial_number"].(string); serial != "" {
		slug = serial
	}
	return fmt.Sprintf("/machine/%s/dashboard", slug)
}

// UpdateMachine upserts a machine from an agent report: bumps last_seen,
// forces status online, and appends to the history ring. On first insertion
// the new-agent callback fires after the lock is released.
func (s *Store) UpdateMachine(machineID string, info, metrics map[string]any) {
	now := s.clk.Now()

	s.mu.Lock()
	st, exists := s.machines[machineID]
	if !exists {
		st = &machineState{
			machine: Machine{
				MachineID: machineID,
				FirstSeen: now,
			},
			history:  newRing[HistoryEntry](s.historySize),
			netTests: make(map[string]*ring[NetworkTestEntry]),
		}
		s.machines[machineID] = st
	}
	if info != nil {
		st.machine.Info = info
	}
	st.machine.LatestMetrics = metrics
	st.machine.LastSeen = now
	st.machine.Status = StatusOnline
	st.stopped = false
	if verified, ok := info["e2ee_enabled"].(bool); ok {
		st.machine.E2EEVerified = verified
	}
	st.history.push(HistoryEntry{Timestamp: now, Metrics: metrics})

	cb := s.onNewAgent
	s.mu.Unlock()

	// Callback runs outside the lock: it may do network I/O (notifications).
	if !exists && cb != nil {
		cb(machineID, info, DashboardURL(machineID, info))
	}
}

// MarkStopped pins a machine's status to "stopped" until its next report.
func (s *Store) MarkStopped(machineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return false
	}
	st.stopped = true
	st.machine.Status = StatusStopped
	return true
}

// GetMachine returns a copy of the machine record, or nil if unknown.
func (s *Store) GetMachine(machineID string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	m := s.snapshotLocked(st)
	return &m
}

// ResolveMachine looks a machine up by machine_id first, then by the
// hardware serial number. Returns nil when neither matches.
func (s *Store) ResolveMachine(identifier string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.machines[identifier]; ok {
		m := s.snapshotLocked(st)
		return &m
	}
	for _, st := range s.machines {
		if st.machine.SerialNumber() == identifier {
			m := s.snapshotLocked(st)
			return &m
		}
	}
	return nil
}

// GetAllMachines returns copies of every machine with freshly derived status.
func (s *Store) GetAllMachines() []Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Machine, 0, len(s.machines))
	for _, st := range s.machines {
		out = append(out, s.snapshotLocked(st))
	}
	return out
}

// GetRegisteredAgents returns the agent-list projection.
func (s *Store) GetRegisteredAgents() []AgentSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentSummary, 0, len(s.machines))
	for _, st := range s.machines {
		m := s.snapshotLocked(st)
		computerName, _ := m.Info["computer_name"].(string)
		localIP, _ := m.Info["local_ip"].(string)
		out = append(out, AgentSummary{
			MachineID:    m.MachineID,
			SerialNumber: m.SerialNumber(),
			ComputerName: computerName,
			LocalIP:      localIP,
			DashboardURL: DashboardURL(m.MachineID, m.Info),
			FirstSeen:    m.FirstSeen,
			LastSeen:     m.LastSeen,
			Status:       m.Status,
		})
	}
	return out
}

// UpdateHealthCheck overwrites the embedded health-check sub-record.
func (s *Store) UpdateHealthCheck(machineID, status string, data map[string]any, latencyMS float64, probeErr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return false
	}
	st.machine.HealthCheck = &HealthCheck{
		Status:    status,
		Data:      data,
		LatencyMS: latencyMS,
		Error:     probeErr,
		CheckedAt: s.clk.Now(),
	}
	return true
}

// StoreAgentDBKey records the agent's DB wrap key. Rejected unless the
// machine's payloads have been E2EE-verified.
func (s *Store) StoreAgentDBKey(machineID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok || !st.machine.E2EEVerified {
		return false
	}
	st.agentDBKey = key
	return true
}

// GetAgentDBKey returns the stored DB wrap key, or "" if none.
func (s *Store) GetAgentDBKey(machineID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.machines[machineID]; ok {
		return st.agentDBKey
	}
	return ""
}

// MachineCount returns the number of known machines.
func (s *Store) MachineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}

// MachineIDs returns every known machine ID.
func (s *Store) MachineIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.machines))
	for id := range s.machines {
		ids = append(ids, id)
	}
	return ids
}

// snapshotLocked copies a machine record and recomputes its derived status.
// Caller holds s.mu.
func (s *Store) snapshotLocked(st *machineState) Machine {
	m := st.machine
	m.Status = s.statusLocked(st)
	if st.machine.HealthCheck != nil {
		hc := *st.machine.HealthCheck
		m.HealthCheck = &hc
	}
	return m
}

func (s *Store) statusLocked(st *machineState) string {
	if st.stopped {
		return StatusStopped
	}
	age := s.clk.Since(st.machine.LastSeen)
	switch {
	case age < onlineWindow:
		return StatusOnline
	case age <= warningWindow:
		return StatusWarning
	default:
		return StatusOffline
	}
}
