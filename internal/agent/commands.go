package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"github.com/atlas-fleet/atlas/internal/crypto"
)

// commandKind tags the actions the agent knows how to execute.
type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdKillProcess
	cmdRestartAgent
	cmdClearDNSCache
	cmdRotateKey
)

func classify(action string) commandKind {
	switch action {
	case "kill_process":
		return cmdKillProcess
	case "restart_agent":
		return cmdRestartAgent
	case "clear_dns_cache":
		return cmdClearDNSCache
	case "rotate_encryption_key":
		return cmdRotateKey
	default:
		return cmdUnknown
	}
}

// ackOutcome is what the executor wants sent back to the server.
type ackOutcome struct {
	Status string // "completed" or "failed"
	Result string
	// AckFirst asks the caller to send the ack before any side effect that
	// could kill the process (restart).
	AckFirst bool
	Restart  bool
}

// execute runs one command and returns its outcome. The exhaustive switch is
// the whole agent-side command surface; anything else is Unknown.
func (a *Agent) execute(ctx context.Context, cmd PendingCommand) ackOutcome {
	switch classify(cmd.Action) {
	case cmdKillProcess:
		return a.killProcess(cmd.Params)
	case cmdRestartAgent:
		return ackOutcome{Status: "completed", Result: "restarting", AckFirst: true, Restart: true}
	case cmdClearDNSCache:
		return clearDNSCache(ctx)
	case cmdRotateKey:
		return a.rotateKey(cmd.Params)
	default:
		return ackOutcome{Status: "failed", Result: "Unknown action"}
	}
}

func (a *Agent) killProcess(params map[string]any) ackOutcome {
	pid, ok := pidParam(params)
	if !ok {
		return ackOutcome{Status: "failed", Result: "missing or invalid pid"}
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ackOutcome{Status: "failed", Result: fmt.Sprintf("find %d: %v", pid, err)}
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return ackOutcome{Status: "failed", Result: fmt.Sprintf("kill %d: %v", pid, err)}
	}
	return ackOutcome{Status: "completed", Result: fmt.Sprintf("sent SIGTERM to %d", pid)}
}

func pidParam(params map[string]any) (int, bool) {
	switch v := params["pid"].(type) {
	case float64:
		return int(v), v > 0
	case int:
		return v, v > 0
	case string:
		pid, err := strconv.Atoi(v)
		return pid, err == nil && pid > 0
	default:
		return 0, false
	}
}

func clearDNSCache(ctx context.Context) ackOutcome {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "dscacheutil", "-flushcache")
	case "linux":
		cmd = exec.CommandContext(ctx, "resolvectl", "flush-caches")
	default:
		return ackOutcome{Status: "failed", Result: "unsupported platform: " + runtime.GOOS}
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return ackOutcome{Status: "failed", Result: fmt.Sprintf("%v: %s", err, out)}
	}
	return ackOutcome{Status: "completed", Result: "dns cache flushed"}
}

// rotateKey opens the rotation envelope under the current key and swaps the
// encryptor. The new key is persisted before the swap.
func (a *Agent) rotateKey(params map[string]any) ackOutcome {
	raw, ok := params["encrypted_new_key"].(map[string]any)
	if !ok {
		return ackOutcome{Status: "failed", Result: "missing rotation envelope"}
	}
	env, ok := crypto.ParseEnvelope(raw)
	if !ok {
		return ackOutcome{Status: "failed", Result: "rotation payload is not an envelope"}
	}
	key := a.encryptor.Key()
	if key == nil {
		return ackOutcome{Status: "failed", Result: "no current key to decrypt rotation"}
	}
	payload, err := crypto.Decrypt(key, env)
	if err != nil {
		return ackOutcome{Status: "failed", Result: "rotation envelope decryption failed"}
	}
	newKey, _ := payload["new_key"].(string)
	if newKey == "" {
		return ackOutcome{Status: "failed", Result: "rotation envelope missing new_key"}
	}
	if err := a.encryptor.SetKey(newKey); err != nil {
		return ackOutcome{Status: "failed", Result: fmt.Sprintf("install new key: %v", err)}
	}
	a.log.Info("encryption key rotated")
	return ackOutcome{Status: "completed", Result: "key rotated"}
}
