// Package backend provides access to the event bookkeeping API exposed by the
// demo web applications under test. Each project backend records the events a
// web agent triggers (scoped by the X-WebAgent-Id header) so that backend
// predicates can verify side effects the DOM alone cannot show.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AgentIDHeader is the HTTP header the executor injects on every browser
// request and the client sets on every API call, so the backend can attribute
// events to the agent under evaluation.
const AgentIDHeader = "X-WebAgent-Id"

// PageViewEventType is the event type the executor emits on navigation.
const PageViewEventType = "page_view"

// Event is a single backend event recorded for an agent.
type Event struct {
	// Type identifies the event (e.g. "login", "purchase", "page_view").
	Type string `json:"event_type"`

	// Description is a short human-readable summary.
	Description string `json:"description,omitempty"`

	// Data carries the event payload as a flat field map.
	Data map[string]any `json:"data,omitempty"`

	// Timestamp is when the backend recorded the event.
	Timestamp time.Time `json:"created_at"`
}

// Service is the contract the evaluator needs from a project backend:
// reset the per-agent event log and read the delta since the last read.
type Service interface {
	// Reset clears all recorded events for the given agent.
	Reset(ctx context.Context, agentID string) error

	// EventsSince returns the events recorded for the agent since the
	// previous call for that agent on this service instance.
	EventsSince(ctx context.Context, agentID string) ([]Event, error)

	// SendPageView records a page_view event for the agent. The URL is
	// reduced to its path before submission.
	SendPageView(ctx context.Context, pageURL, agentID string) error

	// Close releases the underlying transport resources.
	Close() error
}

// Options configures the HTTP backend client.
type Options struct {
	// BaseURL is the backend root (scheme://host[:port]); paths are ignored.
	BaseURL string

	// Timeout bounds each API call. Defaults to 10s.
	Timeout time.Duration

	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to a demo web backend over its events API:
//
//	GET    /api/events/list/   (header X-WebAgent-Id)
//	DELETE /api/events/reset/  (header X-WebAgent-Id)
//	POST   /api/events/add/    (header X-WebAgent-Id)
//
// A backend failure is never fatal to an evaluation: EventsSince degrades to
// an empty delta and the affected step's backend predicates fail for that
// step only.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// mu guards seen, the per-agent high-water mark used to compute deltas.
	mu   sync.Mutex
	seen map[string]int
}

// NewClient creates a backend client for the given options.
func NewClient(opts Options) (*Client, error) {
	base, err := normalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "backend", "base_url", base),
		seen:    make(map[string]int),
	}, nil
}

// Reset clears the backend event log for the agent and resets the client's
// delta high-water mark.
func (c *Client) Reset(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/events/reset/", nil)
	if err != nil {
		return fmt.Errorf("failed to build reset request: %w", err)
	}
	req.Header.Set(AgentIDHeader, agentID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reset events for agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reset for agent %s returned status %d", agentID, resp.StatusCode)
	}

	c.mu.Lock()
	c.seen[agentID] = 0
	c.mu.Unlock()

	c.logger.Debug("backend events reset", "agent_id", agentID)
	return nil
}

// EventsSince fetches the full event list for the agent and returns only the
// suffix past the high-water mark of the previous call. A transport or decode
// failure returns an empty delta together with the error so callers can treat
// the step's backend data as missing without aborting the pipeline.
func (c *Client) EventsSince(ctx context.Context, agentID string) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events/list/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build events request: %w", err)
	}
	req.Header.Set(AgentIDHeader, agentID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("event list for agent %s returned status %d", agentID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read event list: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("failed to decode event list: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mark := c.seen[agentID]
	if mark > len(events) {
		// The backend was reset behind our back; start over.
		mark = 0
	}
	c.seen[agentID] = len(events)

	return events[mark:], nil
}

// SendPageView records a page_view event carrying the path of the given URL.
func (c *Client) SendPageView(ctx context.Context, pageURL, agentID string) error {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("failed to parse page URL %q: %w", pageURL, err)
	}

	payload := map[string]any{
		"event_type":  PageViewEventType,
		"description": "Page viewed",
		"data": map[string]any{
			"url":       parsed.Path,
			"timestamp": time.Now().Format(time.RFC3339),
		},
		"web_agent_id": agentID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal page_view event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/events/add/", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to build page_view request: %w", err)
	}
	req.Header.Set(AgentIDHeader, agentID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send page_view event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("page_view submission returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle transport connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func normalizeBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("backend base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse backend URL %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("backend URL %q has no host", raw)
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), nil
}
