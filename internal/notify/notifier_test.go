package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type stubNotifier struct {
	name  string
	calls atomic.Int32
	err   error
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Send(context.Context, Event) error {
	s.calls.Add(1)
	return s.err
}

func TestMultiFansOut(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	failing := &stubNotifier{name: "bad", err: errors.New("down")}
	m := NewMulti(nopLogger{}, ok, failing)

	// A failing provider must not stop the others.
	m.Notify(context.Background(), Event{Type: EventAgentRegistered, MachineID: "m1"})
	m.Notify(context.Background(), Event{Type: EventAgentRegistered, MachineID: "m2"})

	if ok.calls.Load() != 2 || failing.calls.Load() != 2 {
		t.Errorf("calls ok=%d bad=%d, want 2/2", ok.calls.Load(), failing.calls.Load())
	}

	t.Run("add at runtime", func(t *testing.T) {
		late := &stubNotifier{name: "late"}
		m.Add(late)
		m.Notify(context.Background(), Event{Type: EventAgentOffline})
		if late.calls.Load() != 1 {
			t.Errorf("late calls = %d", late.calls.Load())
		}
	})
}

func TestWebhook(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	err := wh.Send(context.Background(), Event{Type: EventAgentRegistered, MachineID: "m1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload %q: %v", gotBody, err)
	}
	if payload["event"] != "agent_registered" || payload["machine_id"] != "m1" {
		t.Errorf("payload = %v", payload)
	}

	t.Run("5xx is retried", func(t *testing.T) {
		var calls atomic.Int32
		flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
			}
		}))
		defer flaky.Close()
		if err := NewWebhook(flaky.URL, nil).Send(context.Background(), Event{}); err != nil {
			t.Errorf("send after retry: %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var calls atomic.Int32
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer bad.Close()
		if err := NewWebhook(bad.URL, nil).Send(context.Background(), Event{}); err == nil {
			t.Error("400 response not reported")
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}
