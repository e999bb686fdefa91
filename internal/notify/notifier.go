// Package notify dispatches fleet events to external systems. The only
// producer today is the new-agent callback; the dispatcher is general so
// other events can be added without touching providers.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentOffline    EventType = "agent_offline"
	EventKeyRotated      EventType = "key_rotated"
)

// Event is one notification.
type Event struct {
	Type         EventType `json:"type"`
	MachineID    string    `json:"machine_id"`
	SerialNumber string    `json:"serial_number,omitempty"`
	DashboardURL string    `json:"dashboard_url,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. Failures are logged but never
// propagated — a down webhook must not affect ingestion.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Add registers another notifier at runtime.
func (m *Multi) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Notify sends an event to all registered notifiers.
func (m *Multi) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.RLock()
	targets := make([]Notifier, len(m.notifiers))
	copy(targets, m.notifiers)
	m.mu.RUnlock()

	for _, n := range targets {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed", "provider", n.Name(), "type", string(event.Type), "error", err)
		}
	}
}
