// Package cabinetsdk is a minimal Cabinet HTTP API client.
package cabinetsdk

import (
	"bufio"
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

// Client talks to a Cabinet API server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run mirrors the API run model.
type Run struct {
	ID        string         `json:"id"`
	IssueID   string         `json:"issue_id"`
	Status    string         `json:"status"`
	Stage     string         `json:"stage"`
	Config    map[string]any `json:"config"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Event is one entry of a run's ordered event feed.
type Event struct {
	Seq     int64          `json:"seq"`
	RunID   string         `json:"run_id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Stage   string         `json:"stage,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Artifact describes a run's stored output.
type Artifact struct {
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// Issue is a catalog entry.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Urgency     string   `json:"urgency"`
	Sectors     []string `json:"sectors"`
}

// CreateRunRequest are the user-settable run parameters.
type CreateRunRequest struct {
	IssueID              string   `json:"issue_id"`
	MaxRounds            int      `json:"max_rounds,omitempty"`
	ConvergenceThreshold float64  `json:"convergence_threshold,omitempty"`
	Model                string   `json:"model,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	EnableSearch         *bool    `json:"enable_search,omitempty"`
	EnableSentiment      *bool    `json:"enable_sentiment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun starts a run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// ListRuns returns all runs.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "v0/runs", nil, &resp)
	return resp.Runs, err
}

// GetRun fetches one run summary.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GetState fetches a run's full state snapshot as loose JSON.
func (c *Client) GetState(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s/state", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CancelRun requests cancellation of an active run.
func (c *Client) CancelRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/runs/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// DeleteRun removes a finished run.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/runs/"+url.PathEscape(id), nil, nil)
}

// Issues returns the issue catalog.
func (c *Client) Issues(ctx context.Context) ([]Issue, error) {
	var resp struct {
		Issues []Issue `json:"issues"`
	}
	err := c.do(ctx, http.MethodGet, "v0/issues", nil, &resp)
	return resp.Issues, err
}

// Artifacts lists a run's artifacts.
func (c *Client) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var resp struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s/artifacts", url.PathEscape(runID)), nil, &resp)
	return resp.Artifacts, err
}

// FetchArtifact returns one artifact's raw content.
func (c *Client) FetchArtifact(ctx context.Context, runID, name string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v0/runs/%s/artifacts/%s", c.base(), url.PathEscape(runID), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

// Events opens the run's SSE feed and delivers parsed events on the
// returned channel until the stream ends or ctx is cancelled. fromStart
// replays history before live events.
func (c *Client) Events(ctx context.Context, runID string, fromStart bool) (<-chan Event, error) {
	from := "now"
	if fromStart {
		from = "start"
	}
	endpoint := fmt.Sprintf("%s/v0/runs/%s/events?from=%s", c.base(), url.PathEscape(runID), from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// streaming connection, no client-side timeout
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var eventName string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventName = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if eventName == "end" {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
