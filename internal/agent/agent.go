package agent

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-fleet/atlas/internal/logging"
)

// Retry policy for one report: up to maxReportAttempts sends, with
// 2^attempt + jitter seconds between them, then the sample is dropped.
const (
	maxReportAttempts = 3

	// unreachableThreshold is how many consecutive dropped reports trigger
	// the server-unreachable log line.
	unreachableThreshold = 5
)

// Config wires an Agent.
type Config struct {
	MachineID           string
	Client              *Client
	Collector           *Collector
	Encryptor           *Encryptor
	Logger              *logging.Logger
	ReportInterval      time.Duration // default 10s
	CommandPollInterval time.Duration // default 30s

	// LocalDBKey, when set, is wrapped under the fleet key and attached to
	// reports so the server can hold a recovery copy. Only sent when E2EE
	// is active.
	LocalDBKey []byte

	// Restart is called after a restart_agent command has been acked.
	// nil means log-only, for tests.
	Restart func()
}

// Agent runs the report and command-poll loops.
type Agent struct {
	cfg       Config
	client    *Client
	collector *Collector
	encryptor *Encryptor
	log       *logging.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

// New creates an Agent, filling interval defaults.
func New(cfg Config) *Agent {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	if cfg.CommandPollInterval <= 0 {
		cfg.CommandPollInterval = 30 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		client:    cfg.Client,
		collector: cfg.Collector,
		encryptor: cfg.Encryptor,
		log:       cfg.Logger,
	}
}

// Run blocks until ctx is cancelled, driving both loops.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.reportLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.pollLoop(ctx)
	}()
	wg.Wait()
}

func (a *Agent) reportLoop(ctx context.Context) {
	a.reportOnce(ctx)
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportOnce(ctx)
		}
	}
}

// reportOnce samples, seals, and sends one report, retrying with backoff.
// Failure of every attempt drops the sample; the next tick sends fresh data.
func (a *Agent) reportOnce(ctx context.Context) {
	payload := map[string]any{
		"machine_id":   a.cfg.MachineID,
		"machine_info": a.collector.Info(),
		"metrics":      a.collector.Collect(ctx),
	}
	if a.encryptor.Enabled() {
		payload["machine_info"].(map[string]any)["e2ee_enabled"] = true
		if len(a.cfg.LocalDBKey) > 0 {
			if wrapped, err := a.encryptor.WrapLocalKey(a.cfg.LocalDBKey); err == nil {
				payload["agent_db_key"] = wrapped
			}
		}
	}

	body, err := a.encryptor.Seal(payload)
	if err != nil {
		a.log.Error("seal report", "error", err)
		return
	}

	for attempt := 0; attempt < maxReportAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration((math.Pow(2, float64(attempt)) + rand.Float64()) * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		result, err := a.client.Report(ctx, body)
		if err == nil {
			a.reportSucceeded(result)
			return
		}
		a.log.Warn("report failed", "attempt", attempt+1, "error", err)
	}
	a.reportDropped()
}

func (a *Agent) reportSucceeded(result *ReportResult) {
	a.mu.Lock()
	a.consecutiveFailures = 0
	a.mu.Unlock()
	if a.encryptor.Enabled() && !result.E2EEVerified {
		a.log.Warn("server did not verify encrypted payload")
	}
}

func (a *Agent) reportDropped() {
	a.mu.Lock()
	a.consecutiveFailures++
	failures := a.consecutiveFailures
	a.mu.Unlock()
	if failures >= unreachableThreshold {
		a.log.Error("server unreachable", "consecutive_failures", failures)
		return
	}
	a.log.Warn("report dropped", "consecutive_failures", failures)
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CommandPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	commands, err := a.client.PollCommands(ctx, a.cfg.MachineID)
	if err != nil {
		a.log.Warn("command poll failed", "error", err)
		return
	}
	for _, cmd := range commands {
		a.runCommand(ctx, cmd)
	}
}

func (a *Agent) runCommand(ctx context.Context, cmd PendingCommand) {
	a.log.Info("executing command", "command_id", cmd.ID, "action", cmd.Action)
	outcome := a.execute(ctx, cmd)

	if outcome.AckFirst {
		a.ack(ctx, cmd.ID, outcome)
		if outcome.Restart {
			a.log.Info("restarting on server command")
			if a.cfg.Restart != nil {
				a.cfg.Restart()
			}
		}
		return
	}
	a.ack(ctx, cmd.ID, outcome)
}

// ack is best effort: a lost ack leaves the command delivered-but-pending on
// the server until the expiry sweep catches it.
func (a *Agent) ack(ctx context.Context, commandID string, outcome ackOutcome) {
	if err := a.client.Ack(ctx, commandID, outcome.Status, outcome.Result); err != nil {
		a.log.Warn("command ack failed", "command_id", commandID, "error", err)
	}
}
