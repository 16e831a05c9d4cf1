// Package solution defines the action sequence an agent proposes for a task
// and the content-addressed fingerprint used to de-duplicate identical
// solutions inside a batch.
package solution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zero-day-ai/webbench/action"
)

// TaskSolution is an agent's proposed action sequence for one task.
type TaskSolution struct {
	// TaskID identifies the task this solution answers.
	TaskID string `json:"task_id"`

	// WebAgentID identifies the agent that produced the solution.
	WebAgentID string `json:"web_agent_id"`

	// Actions is the ordered action list. Payload fields may still carry
	// the <web_agent_id> placeholder; substitution happens at evaluation
	// time, after fingerprint grouping.
	Actions []action.Action `json:"-"`

	// Recording is an optional opaque blob attached by the agent.
	Recording string `json:"recording,omitempty"`
}

// PreparedActions returns the actions with the agent-id placeholder
// substituted. The substitution is applied exactly once per evaluation and
// is idempotent.
func (s *TaskSolution) PreparedActions() []action.Action {
	return action.WithAgentID(s.Actions, s.WebAgentID)
}

// Fingerprint hashes the solution's pre-substitution action list: each action
// is canonicalized to its tagged JSON form, the forms are joined with "|" and
// the result is SHA-256 hashed. Solutions with identical action lists share a
// fingerprint regardless of agent id. An empty string is returned when the
// action list is empty or cannot be canonicalized; the evaluator then skips
// replay and gives the solution a zero result.
func (s *TaskSolution) Fingerprint() string {
	if len(s.Actions) == 0 {
		return ""
	}

	parts := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		data, err := action.Marshal(a)
		if err != nil {
			return ""
		}
		parts[i] = string(data)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// solutionWire is the serialized form; actions travel as tagged objects.
type solutionWire struct {
	TaskID     string          `json:"task_id"`
	WebAgentID string          `json:"web_agent_id"`
	Actions    json.RawMessage `json:"actions"`
	Recording  string          `json:"recording,omitempty"`
}

// MarshalJSON serializes the solution with its tagged action list.
func (s TaskSolution) MarshalJSON() ([]byte, error) {
	actions, err := action.MarshalList(s.Actions)
	if err != nil {
		return nil, fmt.Errorf("solution for task %s: %w", s.TaskID, err)
	}
	return json.Marshal(solutionWire{
		TaskID:     s.TaskID,
		WebAgentID: s.WebAgentID,
		Actions:    actions,
		Recording:  s.Recording,
	})
}

// UnmarshalJSON restores the solution; actions with unknown discriminators
// are kept as action.Unknown entries, matching the non-fatal parse rule for
// agent output.
func (s *TaskSolution) UnmarshalJSON(data []byte) error {
	var wire solutionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var actions []action.Action
	if len(wire.Actions) > 0 {
		var err error
		actions, _, err = action.UnmarshalList(wire.Actions)
		if err != nil {
			return fmt.Errorf("solution for task %s: %w", wire.TaskID, err)
		}
	}

	*s = TaskSolution{
		TaskID:     wire.TaskID,
		WebAgentID: wire.WebAgentID,
		Actions:    actions,
		Recording:  wire.Recording,
	}
	return nil
}
