package gradelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gradeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Trigger is a pending or fired one-shot continuation.
type Trigger struct {
	ID         string `json:"id"`
	EntryPoint string `json:"entry_point"`
	RunAt      string `json:"run_at"`
	FiredAt    string `json:"fired_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// RunState mirrors the persisted run state machine.
type RunState struct {
	Phase        string `json:"phase"`
	AssignmentID string `json:"assignment_id,omitempty"`
	TriggerID    string `json:"trigger_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Step         int    `json:"step"`
	StepName     string `json:"step_name,omitempty"`
	Error        string `json:"error,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Progress is one user-visible progress event.
type Progress struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// PaginatedProgress wraps list responses with cursors.
type PaginatedProgress struct {
	Items      []Progress `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Schedule saves the document ids for an assignment and queues a run.
func (c *Client) Schedule(ctx context.Context, assignmentID, title, referenceDocID, templateDocID string) (Trigger, error) {
	body := map[string]any{
		"title":                 title,
		"reference_document_id": referenceDocID,
		"template_document_id":  templateDocID,
	}
	var resp Trigger
	endpoint := fmt.Sprintf("v0/assignments/%s/schedule", url.PathEscape(assignmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// InvokeRun runs the queued grading pass synchronously and returns the final state.
func (c *Client) InvokeRun(ctx context.Context) (RunState, error) {
	var resp RunState
	err := c.do(ctx, http.MethodPost, "v0/runs", nil, &resp)
	return resp, err
}

// Run returns the current run state.
func (c *Client) Run(ctx context.Context) (RunState, error) {
	var resp RunState
	err := c.do(ctx, http.MethodGet, "v0/run", nil, &resp)
	return resp, err
}

// Progress returns recent progress events, newest first.
func (c *Client) Progress(ctx context.Context, limit int) ([]Progress, error) {
	page, err := c.ProgressPage(ctx, limit, "")
	return page.Items, err
}

// ProgressPage returns a paginated progress listing.
func (c *Client) ProgressPage(ctx context.Context, limit int, cursor string) (PaginatedProgress, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/progress"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedProgress
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Triggers lists continuation triggers, optionally filtered by entry point.
func (c *Client) Triggers(ctx context.Context, entryPoint string) ([]Trigger, error) {
	endpoint := "v0/triggers"
	if entryPoint != "" {
		endpoint += "?entry_point=" + url.QueryEscape(entryPoint)
	}
	var resp struct {
		Items []Trigger `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CancelTriggers removes every pending run trigger and resets the run state.
func (c *Client) CancelTriggers(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "v0/triggers", nil, &resp)
	return resp.Removed, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
