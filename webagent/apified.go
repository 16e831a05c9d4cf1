package webagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
)

// ApifiedOptions configures a remote HTTP agent.
type ApifiedOptions struct {
	// BaseURL is the agent API root (required), e.g. "http://localhost:5000".
	BaseURL string

	// ID identifies the agent; generated when empty.
	ID string

	// Name is the human-readable agent name; derived from ID when empty.
	Name string

	// Timeout bounds each agent call. Defaults to 180s.
	Timeout time.Duration

	// MaxRetries is the number of transport-level retries per call.
	// Retries live here, not in the orchestrator. Defaults to 2.
	MaxRetries int

	// Rewriter translates URLs between the agent's context and the
	// benchmark's demo-webs endpoint.
	Rewriter URLRewriter

	// Logger receives call diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// ApifiedAgent calls a remote agent over HTTP. It implements both calling
// modes: one-shot POST /solve_task and iterative POST /act (falling back to
// /step for older agent servers).
type ApifiedAgent struct {
	opts   ApifiedOptions
	http   *http.Client
	logger *slog.Logger
}

// NewApifiedAgent creates a remote agent client.
func NewApifiedAgent(opts ApifiedOptions) (*ApifiedAgent, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL is required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	if opts.ID == "" {
		opts.ID = uuid.New().String()[:16]
	}
	if opts.Name == "" {
		opts.Name = "Agent " + opts.ID
	}
	if opts.Timeout == 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ApifiedAgent{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger.With("component", "webagent", "agent", opts.Name),
	}, nil
}

// ID returns the agent identifier.
func (a *ApifiedAgent) ID() string { return a.opts.ID }

// Name returns the agent name.
func (a *ApifiedAgent) Name() string { return a.opts.Name }

// solveResponse is the one-shot endpoint's reply.
type solveResponse struct {
	TaskID     string          `json:"task_id"`
	WebAgentID string          `json:"web_agent_id"`
	Actions    json.RawMessage `json:"actions"`
}

// SolveTask posts the task to /solve_task and parses the returned action
// list. Unknown action types are kept as action.Unknown entries and logged;
// navigate URLs are rewritten to the demo-webs endpoint.
func (a *ApifiedAgent) SolveTask(ctx context.Context, t task.Task) (*solution.TaskSolution, error) {
	payload := map[string]any{
		"task_id":        t.ID,
		"prompt":         t.PromptWithRelevantData(),
		"url":            a.opts.Rewriter.ForceLocalhost(t.URL),
		"relevant_data":  t.RelevantData,
		"is_web_real":    t.IsRealWeb,
		"web_project_id": t.WebProjectID,
	}

	body, err := a.post(ctx, "/solve_task", payload)
	if err != nil {
		return nil, fmt.Errorf("solve_task call to %s failed: %w", a.opts.Name, err)
	}

	var resp solveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode solve_task response: %w", err)
	}

	actions, skipped, err := action.UnmarshalList(resp.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to decode actions from %s: %w", a.opts.Name, err)
	}
	if len(skipped) > 0 {
		a.logger.Warn("agent returned unknown action types", "skipped", skipped)
	}

	agentID := resp.WebAgentID
	if agentID == "" {
		agentID = a.opts.ID
	}

	return &solution.TaskSolution{
		TaskID:     t.ID,
		WebAgentID: agentID,
		Actions:    a.rewriteNavigates(actions),
	}, nil
}

// actResponse accepts the iterative endpoint's flexible reply shapes.
type actResponse struct {
	Actions     json.RawMessage `json:"actions"`
	Action      json.RawMessage `json:"action"`
	NavigateURL string          `json:"navigate_url"`
}

// Act posts the browser state to /act (falling back to /step) and parses the
// returned actions. A bare navigate_url reply is rewritten into a single
// Navigate action.
func (a *ApifiedAgent) Act(ctx context.Context, state State) ([]action.Action, error) {
	payload := map[string]any{
		"task_id":       state.Task.ID,
		"prompt":        state.Task.PromptWithRelevantData(),
		"url":           a.opts.Rewriter.ForceLocalhost(state.URL),
		"snapshot_html": state.SnapshotHTML,
		"step_index":    state.StepIndex,
	}
	if state.Screenshot != "" {
		payload["screenshot"] = state.Screenshot
	}
	if state.History != nil {
		payload["history"] = state.History
	}

	var lastErr error
	for _, path := range []string{"/act", "/step"} {
		body, err := a.post(ctx, path, payload)
		if err != nil {
			lastErr = err
			continue
		}
		return a.parseActResponse(body)
	}
	return nil, fmt.Errorf("act call to %s failed: %w", a.opts.Name, lastErr)
}

// parseActResponse handles the three accepted reply shapes.
func (a *ApifiedAgent) parseActResponse(body []byte) ([]action.Action, error) {
	var resp actResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode act response: %w", err)
	}

	switch {
	case len(resp.Actions) > 0 && string(resp.Actions) != "null":
		actions, skipped, err := action.UnmarshalList(resp.Actions)
		if err != nil {
			return nil, fmt.Errorf("failed to decode act actions: %w", err)
		}
		if len(skipped) > 0 {
			a.logger.Warn("agent returned unknown action types", "skipped", skipped)
		}
		return a.rewriteNavigates(actions), nil

	case len(resp.Action) > 0 && string(resp.Action) != "null":
		single, err := action.Unmarshal(resp.Action)
		if err != nil {
			var unknown *action.UnknownKindError
			if errors.As(err, &unknown) {
				a.logger.Warn("agent returned unknown action type", "skipped", unknown.Kind)
				return []action.Action{action.Unknown{TypeName: unknown.Kind}}, nil
			}
			return nil, fmt.Errorf("failed to decode act action: %w", err)
		}
		return a.rewriteNavigates([]action.Action{single}), nil

	case resp.NavigateURL != "":
		return []action.Action{action.Navigate{
			URL: a.opts.Rewriter.RewriteToRemote(resp.NavigateURL),
		}}, nil

	default:
		return nil, nil
	}
}

// rewriteNavigates anchors every Navigate action's URL to the demo-webs
// endpoint so agent-chosen URLs cannot leak outside the evaluation context.
func (a *ApifiedAgent) rewriteNavigates(actions []action.Action) []action.Action {
	out := make([]action.Action, len(actions))
	for i, act := range actions {
		if nav, ok := act.(action.Navigate); ok {
			nav.URL = a.opts.Rewriter.RewriteToRemote(nav.URL)
			out[i] = nav
			continue
		}
		out[i] = act
	}
	return out
}

// post sends a JSON payload, retrying transport failures with exponential
// backoff bounded by the call context.
func (a *ApifiedAgent) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("agent returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("agent returned status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(a.opts.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}
