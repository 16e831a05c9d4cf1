// Package browser drives a real browser session for action replay. It owns
// the per-solution browser context, executes one action at a time, and
// captures an immutable Snapshot of the resulting page state after each step.
package browser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/backend"
)

// ErrorKind classifies an action execution failure. The taxonomy is part of
// the scoring contract: SelectorNotFound and Backend are non-fatal to the
// solution, Timeout/Navigation/Internal stop execution.
type ErrorKind string

const (
	// ErrSelectorNotFound means the action's selector resolved to no element.
	// The step records the error and the pipeline continues.
	ErrSelectorNotFound ErrorKind = "SelectorNotFound"

	// ErrTimeout means the action exceeded its per-action deadline.
	// Remaining actions of the solution are not executed.
	ErrTimeout ErrorKind = "Timeout"

	// ErrNavigation means a page load or navigation failed.
	// Treated like a timeout for scoring purposes.
	ErrNavigation ErrorKind = "Navigation"

	// ErrBackend means the backend event service was unreachable; the step's
	// event delta is empty and backend predicates fail for that step only.
	ErrBackend ErrorKind = "Backend"

	// ErrInternal means an unexpected invariant violation; the current
	// solution is aborted.
	ErrInternal ErrorKind = "Internal"
)

// Fatal reports whether the error kind stops execution of the remaining
// actions in a solution.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrTimeout, ErrNavigation, ErrInternal:
		return true
	default:
		return false
	}
}

// ExecutionError is the JSON-serializable error attached to a failed step.
type ExecutionError struct {
	// Kind is the failure class from the error taxonomy.
	Kind ErrorKind `json:"kind"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("[%s]: %s", e.Kind, e.Message)
}

// NewExecutionError builds an ExecutionError with a formatted message.
func NewExecutionError(kind ErrorKind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Snapshot is an immutable capture of browser state after one action.
type Snapshot struct {
	// Iteration is the 0-based step index this snapshot belongs to.
	Iteration int `json:"iteration"`

	// CurrentURL is the page URL after the action settled.
	CurrentURL string `json:"current_url"`

	// CurrentHTML is the serialized DOM after the action settled.
	CurrentHTML string `json:"current_html"`

	// PrevHTML is the CurrentHTML of the previous snapshot, empty at step 0.
	PrevHTML string `json:"prev_html"`

	// BackendEvents is the delta of backend events emitted since the
	// previous snapshot.
	BackendEvents []backend.Event `json:"backend_events"`

	// ScreenshotBefore and ScreenshotAfter are optional base64-encoded
	// captures taken around the action.
	ScreenshotBefore string `json:"screenshot_before,omitempty"`
	ScreenshotAfter  string `json:"screenshot_after,omitempty"`

	// Action is the action that produced this transition, in tagged JSON
	// form so snapshots serialize without knowing the concrete variant.
	Action json.RawMessage `json:"action,omitempty"`

	// Timestamp is a monotonic capture time.
	Timestamp time.Time `json:"timestamp"`
}

// ActionResult pairs a snapshot with the execution outcome of its step.
type ActionResult struct {
	// Snapshot reflects the browser state after the step. On failure it
	// reflects the best-effort (possibly unchanged) state.
	Snapshot Snapshot `json:"browser_snapshot"`

	// SuccessfullyExecuted is true when the action ran without error.
	SuccessfullyExecuted bool `json:"successfully_executed"`

	// ExecutionTime is the wall-clock duration of the step.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is set when the step failed.
	Error *ExecutionError `json:"error,omitempty"`
}

// encodeAction renders an action into the snapshot's tagged form, falling
// back to a bare kind marker when marshalling fails.
func encodeAction(a action.Action) json.RawMessage {
	if a == nil {
		return nil
	}
	data, err := action.Marshal(a)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":%q}`, a.Kind()))
	}
	return data
}
