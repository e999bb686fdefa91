package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the agent's HTTP client for the fleet server API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client. insecure skips TLS verification, for fleets
// running on the default self-signed server certificate.
func NewClient(baseURL, apiKey string, insecure bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
	}
}

// ReportResult is the server's answer to one report.
type ReportResult struct {
	Status       string `json:"status"`
	E2EEVerified bool   `json:"e2ee_verified"`
	DBKeyStored  bool   `json:"db_key_stored"`
}

// Report posts one already-sealed report body.
func (c *Client) Report(ctx context.Context, body []byte) (*ReportResult, error) {
	data, err := c.post(ctx, "/api/fleet/report", body)
	if err != nil {
		return nil, err
	}
	var out ReportResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode report response: %w", err)
	}
	return &out, nil
}

// PendingCommand is one command as delivered by the server.
type PendingCommand struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// PollCommands fetches the machine's queued commands.
func (c *Client) PollCommands(ctx context.Context, machineID string) ([]PendingCommand, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/fleet/commands/"+machineID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll commands: server returned %d", resp.StatusCode)
	}
	var out struct {
		Commands []PendingCommand `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return out.Commands, nil
}

// Ack reports a command outcome. Best effort by contract: callers log
// failures and move on.
func (c *Client) Ack(ctx context.Context, commandID, status, result string) error {
	body, err := json.Marshal(map[string]string{"status": status, "result": result})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "/api/fleet/command/"+commandID+"/ack", body)
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: server returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
