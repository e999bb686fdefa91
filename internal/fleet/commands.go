package fleet

import (
	"time"

	"github.com/google/uuid"
)

// Command lifecycle states.
const (
	CommandPending   = "pending"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandExpired   = "expired"
)

// DefaultCommandGrace is how long an undelivered or unacked command may stay
// pending before the expiry sweep marks it expired.
const DefaultCommandGrace = 10 * time.Minute

// Command is one queued server->agent action.
type Command struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     string         `json:"status"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Result     string         `json:"result,omitempty"`

	delivered bool
}

// AddPendingCommand queues a command for a machine and returns its ID.
// Unknown machines get a queue lazily: a command may be queued before the
// machine's first report (key rotation targets every configured machine).
func (s *Store) AddPendingCommand(machineID, action string, params map[string]any) string {
	cmd := &Command{
		ID:        uuid.NewString(),
		Action:    action,
		Params:    params,
		CreatedAt: s.clk.Now(),
		Status:    CommandPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		st = &machineState{
			machine:  Machine{MachineID: machineID, FirstSeen: s.clk.Now(), LastSeen: s.clk.Now()},
			history:  newRing[HistoryEntry](s.historySize),
			netTests: make(map[string]*ring[NetworkTestEntry]),
		}
		s.machines[machineID] = st
	}
	st.commands = append(st.commands, cmd)
	return cmd.ID
}

// GetPendingCommands returns every undelivered pending command for the
// machine and atomically marks them delivered, so a command reaches an agent
// at most once.
func (s *Store) GetPendingCommands(machineID string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	var out []Command
	for _, cmd := range st.commands {
		if cmd.Status == CommandPending && !cmd.delivered {
			cmd.delivered = true
			out = append(out, *cmd)
		}
	}
	return out
}

// AcknowledgeCommand records the agent's outcome for a delivered command.
// Acks for unknown command IDs are accepted (the agent must not retry
// forever) but reported as found=false so the handler can log them.
func (s *Store) AcknowledgeCommand(commandID, status, result string) bool {
	if status != CommandCompleted && status != CommandFailed {
		status = CommandFailed
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.machines {
		for _, cmd := range st.commands {
			if cmd.ID != commandID {
				continue
			}
			cmd.Status = status
			cmd.Result = result
			cmd.ExecutedAt = &now
			return true
		}
	}
	return false
}

// GetRecentCommands returns up to limit most recent commands for a machine,
// newest first.
func (s *Store) GetRecentCommands(machineID string, limit int) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.machines[machineID]
	if !ok {
		return nil
	}
	n := len(st.commands)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Command, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *st.commands[i])
	}
	return out
}

// ExpireStaleCommands marks pending commands older than grace as expired and
// returns how many were expired. Run from the maintenance schedule.
func (s *Store) ExpireStaleCommands(grace time.Duration) int {
	if grace <= 0 {
		grace = DefaultCommandGrace
	}
	cutoff := s.clk.Now().Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, st := range s.machines {
		for _, cmd := range st.commands {
			if cmd.Status == CommandPending && cmd.CreatedAt.Before(cutoff) {
				cmd.Status = CommandExpired
				expired++
			}
		}
	}
	return expired
}

// RotationStatus reports per-machine key rotation progress: the status of the
// most recent rotate_encryption_key command, or "none".
func (s *Store) RotationStatus() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.machines))
	for id, st := range s.machines {
		out[id] = "none"
		for i := len(st.commands) - 1; i >= 0; i-- {
			if st.commands[i].Action == "rotate_encryption_key" {
				out[id] = st.commands[i].Status
				break
			}
		}
	}
	return out
}
