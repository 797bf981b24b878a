// Package client provides a Go SDK for the aide operations API and gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ankittk/aide/pkg/models"
)

// Client calls the aide operations API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; sent as X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

// APIError is a non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.Status)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errBody.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the gateway /health response.
func (c *Client) Health(ctx context.Context) (models.Health, error) {
	var out models.Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ListWorkflows returns the loaded workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	var out []models.Workflow
	err := c.doJSON(ctx, http.MethodGet, "/v1/workflows", nil, &out)
	return out, err
}

// StartRun starts workflow name with inputs and returns the state it reached.
func (c *Client) StartRun(ctx context.Context, name string, inputs map[string]any) (models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(name)+"/runs", map[string]any{"inputs": inputs}, &out)
	return out, err
}

// ListRuns returns every known run.
func (c *Client) ListRuns(ctx context.Context) ([]models.Run, error) {
	var out []models.Run
	err := c.doJSON(ctx, http.MethodGet, "/v1/runs", nil, &out)
	return out, err
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, runID string) (models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

// ResumeRun answers a paused run's gate with "approved" or "denied".
func (c *Client) ResumeRun(ctx context.Context, runID, decision string) (models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/resume", map[string]string{"decision": decision}, &out)
	return out, err
}

// CancelRun cancels a run.
func (c *Client) CancelRun(ctx context.Context, runID string) (models.Run, error) {
	var out models.Run
	err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &out)
	return out, err
}

// PostEvents submits log events and returns the detections they caused.
func (c *Client) PostEvents(ctx context.Context, events any) ([]models.Detection, error) {
	var out []models.Detection
	err := c.doJSON(ctx, http.MethodPost, "/v1/events", events, &out)
	return out, err
}

// ListDetections returns recorded detections, newest first.
func (c *Client) ListDetections(ctx context.Context) ([]models.Detection, error) {
	var out []models.Detection
	err := c.doJSON(ctx, http.MethodGet, "/v1/detections", nil, &out)
	return out, err
}

// AssessRisk scores a change touching files and functions.
func (c *Client) AssessRisk(ctx context.Context, files, functions []string) (models.RiskAssessment, error) {
	var out models.RiskAssessment
	err := c.doJSON(ctx, http.MethodPost, "/v1/risk", map[string][]string{"files": files, "functions": functions}, &out)
	return out, err
}

// Accuracy returns scanner (or rule, when scanner is empty) accuracy.
func (c *Client) Accuracy(ctx context.Context, scanner, rule string) (models.Accuracy, error) {
	q := url.Values{}
	if scanner != "" {
		q.Set("scanner", scanner)
	}
	if rule != "" {
		q.Set("rule", rule)
	}
	var out models.Accuracy
	err := c.doJSON(ctx, http.MethodGet, "/v1/accuracy?"+q.Encode(), nil, &out)
	return out, err
}

// ListReplies returns queued replies.
func (c *Client) ListReplies(ctx context.Context) ([]models.Reply, error) {
	var out []models.Reply
	err := c.doJSON(ctx, http.MethodGet, "/v1/replies", nil, &out)
	return out, err
}

// ApproveReply approves a pending reply.
func (c *Client) ApproveReply(ctx context.Context, id string) (models.Reply, error) {
	var out models.Reply
	err := c.doJSON(ctx, http.MethodPost, "/v1/replies/"+url.PathEscape(id)+"/approve", nil, &out)
	return out, err
}

// RejectReply rejects a pending reply.
func (c *Client) RejectReply(ctx context.Context, id string) (models.Reply, error) {
	var out models.Reply
	err := c.doJSON(ctx, http.MethodPost, "/v1/replies/"+url.PathEscape(id)+"/reject", nil, &out)
	return out, err
}

// ListRules returns the active detection rules as raw JSON objects.
func (c *Client) ListRules(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/v1/rules", nil, &out)
	return out, err
}

// RecordIncident records which commits caused an incident.
func (c *Client) RecordIncident(ctx context.Context, in models.Incident) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/incidents", in, nil)
}

// RecordFeedback records a verdict on a scanner finding.
func (c *Client) RecordFeedback(ctx context.Context, f models.Feedback) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/feedback", f, nil)
}

// ListPatterns extracts and returns risky patterns.
func (c *Client) ListPatterns(ctx context.Context) ([]models.Pattern, error) {
	var out []models.Pattern
	err := c.doJSON(ctx, http.MethodGet, "/v1/patterns", nil, &out)
	return out, err
}

// PatternFeedback confirms (positive) or disputes a pattern.
func (c *Client) PatternFeedback(ctx context.Context, id string, positive bool) (models.Pattern, error) {
	var out models.Pattern
	err := c.doJSON(ctx, http.MethodPost, "/v1/patterns/"+url.PathEscape(id)+"/feedback", map[string]bool{"positive": positive}, &out)
	return out, err
}

// PostMessage classifies an inbound message and routes it.
func (c *Client) PostMessage(ctx context.Context, m models.Message) (models.MessageResult, error) {
	var out models.MessageResult
	body := map[string]any{"channel": m.Channel, "message": m}
	err := c.doJSON(ctx, http.MethodPost, "/v1/messages", body, &out)
	return out, err
}
