// Package workflow starts long-running hub workflows in an external engine.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"glass-frontier/hub/internal/contest"
)

// ActionRequest starts the per-command hub action workflow.
type ActionRequest struct {
	HubID    string         `json:"hubId"`
	RoomID   string         `json:"roomId"`
	ActorID  string         `json:"actorId"`
	VerbID   string         `json:"verbId"`
	AuditRef string         `json:"auditRef,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	IssuedAt time.Time      `json:"issuedAt"`
	Version  int64          `json:"stateVersion,omitempty"`
}

// Handle identifies a started workflow.
type Handle struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId,omitempty"`
}

// Client starts workflows. Failures are never retried by the hub.
type Client interface {
	StartHubActionWorkflow(ctx context.Context, req ActionRequest) (Handle, error)
	StartHubContestWorkflow(ctx context.Context, bundle contest.Bundle) (Handle, error)
}

const (
	actionPath  = "/workflows/hub-action"
	contestPath = "/workflows/hub-contest"
)

// HTTPClient posts workflow start requests as JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs a client for baseURL. A nil httpClient uses a
// client with a 5s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *HTTPClient) StartHubActionWorkflow(ctx context.Context, req ActionRequest) (Handle, error) {
	return c.post(ctx, actionPath, req)
}

func (c *HTTPClient) StartHubContestWorkflow(ctx context.Context, bundle contest.Bundle) (Handle, error) {
	return c.post(ctx, contestPath, bundle)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (Handle, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Handle{}, fmt.Errorf("workflow: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Handle{}, fmt.Errorf("workflow: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("workflow: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Handle{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Handle{}, fmt.Errorf("workflow: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var handle Handle
	if err := json.Unmarshal(data, &handle); err != nil {
		return Handle{}, fmt.Errorf("workflow: decode %s: %w", path, err)
	}
	if handle.WorkflowID == "" {
		return Handle{}, fmt.Errorf("workflow: %s returned no workflow id", path)
	}
	return handle, nil
}
