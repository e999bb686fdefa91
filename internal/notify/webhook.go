package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	webhookAttempts  = 3
	webhookBaseDelay = 500 * time.Millisecond
)

// webhookPayload is the wire shape posted to the configured URL. The event is
// flattened with a top-level "event" discriminator so generic receivers
// (Slack bridges, incident tools) can route on one field.
type webhookPayload struct {
	Event        string    `json:"event"`
	MachineID    string    `json:"machine_id"`
	SerialNumber string    `json:"serial_number,omitempty"`
	DashboardURL string    `json:"dashboard_url,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Webhook posts fleet events to an operator-configured URL. Transient
// failures are retried with backoff; a permanently down receiver surfaces as
// one error to the dispatcher, which logs and moves on.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook notifier. Custom headers (e.g. Authorization)
// are sent with every request.
func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (w *Webhook) Name() string { return "webhook" }

// Send posts the event, retrying transient failures. 4xx responses are not
// retried: the request will not get better.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookPayload{
		Event:        string(event.Type),
		MachineID:    event.MachineID,
		SerialNumber: event.SerialNumber,
		DashboardURL: event.DashboardURL,
		Detail:       event.Detail,
		Timestamp:    event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(webhookBaseDelay << (attempt - 1)):
			}
		}
		retriable, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookAttempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) (retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return false, fmt.Errorf("webhook returned %s", resp.Status)
	}
}
