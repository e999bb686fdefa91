package fleet

import (
	"testing"
	"time"
)

func TestCommandLifecycle(t *testing.T) {
	s := NewStore()
	s.UpdateMachine("m1", nil, nil)

	id := s.AddPendingCommand("m1", "kill_process", map[string]any{"pid": 42})
	if id == "" {
		t.Fatal("empty command id")
	}

	delivered := s.GetPendingCommands("m1")
	if len(delivered) != 1 || delivered[0].ID != id || delivered[0].Action != "kill_process" {
		t.Fatalf("unexpected delivery %+v", delivered)
	}

	t.Run("delivered exactly once", func(t *testing.T) {
		if again := s.GetPendingCommands("m1"); len(again) != 0 {
			t.Errorf("second poll returned %d commands, want 0", len(again))
		}
	})

	t.Run("ack completes", func(t *testing.T) {
		if !s.AcknowledgeCommand(id, CommandCompleted, "done") {
			t.Fatal("ack of known command reported not found")
		}
		recent := s.GetRecentCommands("m1", 10)
		if len(recent) != 1 || recent[0].Status != CommandCompleted || recent[0].Result != "done" {
			t.Errorf("unexpected recent commands %+v", recent)
		}
		if recent[0].ExecutedAt == nil {
			t.Error("executed_at not set on ack")
		}
	})

	t.Run("ack of unknown id accepted but flagged", func(t *testing.T) {
		if s.AcknowledgeCommand("no-such-id", CommandCompleted, "") {
			t.Error("unknown command reported as found")
		}
	})
}

func TestCommandQueueBeforeFirstReport(t *testing.T) {
	s := NewStore()
	// Rotation queues commands for machines that have never reported.
	id := s.AddPendingCommand("future", "rotate_encryption_key", nil)
	got := s.GetPendingCommands("future")
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected queued command for unreported machine, got %+v", got)
	}
}

func TestExpireStaleCommands(t *testing.T) {
	clk := newFakeClock()
	s := NewStore(WithClock(clk))
	s.UpdateMachine("m1", nil, nil)

	s.AddPendingCommand("m1", "clear_dns_cache", nil)
	clk.advance(11 * time.Minute)
	fresh := s.AddPendingCommand("m1", "clear_dns_cache", nil)

	if n := s.ExpireStaleCommands(10 * time.Minute); n != 1 {
		t.Fatalf("expired %d commands, want 1", n)
	}

	delivered := s.GetPendingCommands("m1")
	if len(delivered) != 1 || delivered[0].ID != fresh {
		t.Errorf("expected only the fresh command, got %+v", delivered)
	}
}

func TestRecentCommandsNewestFirst(t *testing.T) {
	s := NewStore()
	s.UpdateMachine("m1", nil, nil)
	first := s.AddPendingCommand("m1", "a", nil)
	second := s.AddPendingCommand("m1", "b", nil)

	recent := s.GetRecentCommands("m1", 1)
	if len(recent) != 1 || recent[0].ID != second {
		t.Errorf("expected newest command %s, got %+v", second, recent)
	}
	all := s.GetRecentCommands("m1", 0)
	if len(all) != 2 || all[1].ID != first {
		t.Errorf("expected both commands newest-first, got %+v", all)
	}
}

func TestRotationStatus(t *testing.T) {
	s := NewStore()
	s.UpdateMachine("m1", nil, nil)
	s.UpdateMachine("m2", nil, nil)
	id := s.AddPendingCommand("m1", "rotate_encryption_key", nil)

	st := s.RotationStatus()
	if st["m1"] != CommandPending || st["m2"] != "none" {
		t.Errorf("rotation status = %v", st)
	}

	s.GetPendingCommands("m1")
	s.AcknowledgeCommand(id, CommandCompleted, "")
	if st := s.RotationStatus(); st["m1"] != CommandCompleted {
		t.Errorf("rotation status after ack = %v", st)
	}
}
