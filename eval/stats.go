package eval

import (
	"encoding/json"
	"time"

	"github.com/zero-day-ai/webbench/browser"
)

// EvaluationStats records per-phase timings and action breakdowns for one
// evaluated solution. Timings feed the batch summary and the metrics sink.
type EvaluationStats struct {
	// TaskID and WebAgentID identify what was evaluated.
	TaskID     string `json:"task_id"`
	WebAgentID string `json:"web_agent_id"`

	// FinalScore, RawScore and RandomClickerScore echo the scoring outcome.
	FinalScore         float64 `json:"final_score"`
	RawScore           float64 `json:"raw_score"`
	RandomClickerScore float64 `json:"random_clicker_score"`

	// TestsPassed and TotalTests count predicates under the any-step rule.
	TestsPassed int `json:"tests_passed"`
	TotalTests  int `json:"total_tests"`

	// ActionCount is the number of executed steps; ActionTypes breaks the
	// executed actions down by kind.
	ActionCount int            `json:"action_count"`
	ActionTypes map[string]int `json:"action_types,omitempty"`

	// ActionExecutionTimes holds the wall clock of each step in order.
	ActionExecutionTimes []time.Duration `json:"action_execution_times,omitempty"`

	// Per-phase timings.
	BrowserSetupTime  time.Duration `json:"browser_setup_time"`
	TestExecutionTime time.Duration `json:"test_execution_time"`
	RandomClickerTime time.Duration `json:"random_clicker_time"`
	TotalTime         time.Duration `json:"total_time"`

	// HadErrors and ErrorMessage summarize execution failures.
	HadErrors    bool   `json:"had_errors"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// recordHistory fills the action-derived fields from an execution history.
func (s *EvaluationStats) recordHistory(history []browser.ActionResult) {
	s.ActionCount = len(history)
	if len(history) == 0 {
		return
	}

	s.ActionTypes = make(map[string]int)
	s.ActionExecutionTimes = make([]time.Duration, 0, len(history))
	for _, step := range history {
		s.ActionExecutionTimes = append(s.ActionExecutionTimes, step.ExecutionTime)
		s.ActionTypes[actionKind(step)]++
		if step.Error != nil {
			s.HadErrors = true
			s.ErrorMessage = step.Error.Error()
		}
	}
}

// actionKind extracts the discriminator from a step's recorded action.
func actionKind(step browser.ActionResult) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(step.Snapshot.Action, &env); err != nil || env.Type == "" {
		return "unknown"
	}
	return env.Type
}
