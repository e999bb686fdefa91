package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfile(t *testing.T) {
	MachinesTotal.Set(3)
	ReportsTotal.WithLabelValues("ok").Inc()

	path := filepath.Join(t.TempDir(), "fleet.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "fleet_machines_total 3") {
		t.Errorf("gauge missing from output:\n%s", out)
	}
	if !strings.Contains(out, `fleet_reports_total{outcome="ok"}`) {
		t.Errorf("counter missing from output:\n%s", out)
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("non-fleet metrics leaked into textfile")
	}
}
