package eval

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/predicate"
	"github.com/zero-day-ai/webbench/task"
)

// Feedback is the structured explanation attached to an evaluation result.
type Feedback struct {
	// TaskPrompt is the evaluated task's instruction.
	TaskPrompt string `json:"task_prompt"`

	// RawScore is the predicate score before baseline subtraction.
	RawScore float64 `json:"raw_score"`

	// RandomBaselineScore is the random clicker's raw score on this task.
	RandomBaselineScore float64 `json:"random_baseline_score"`

	// FinalScore is max(0, RawScore − RandomBaselineScore), in [0,1].
	FinalScore float64 `json:"final_score"`

	// ExecutedActions and FailedActions count the steps that ran.
	ExecutedActions int `json:"executed_actions"`
	FailedActions   int `json:"failed_actions"`

	// PassedTests and FailedTests count predicates under the any-step rule.
	PassedTests int `json:"passed_tests"`
	FailedTests int `json:"failed_tests"`

	// CriticalFailures counts backend-event predicates that never passed.
	CriticalFailures int `json:"critical_failures"`

	// NoPredicates is true when the task carried no active predicates.
	NoPredicates bool `json:"no_predicates,omitempty"`

	// TotalExecutionTime sums the per-step wall clock.
	TotalExecutionTime time.Duration `json:"total_execution_time"`

	// TimePenalty is reported but not applied to FinalScore.
	TimePenalty float64 `json:"time_penalty"`

	// Error describes why the evaluation could not run, when it could not.
	Error *browser.ExecutionError `json:"error,omitempty"`
}

// ToText renders a human-readable summary of the feedback.
func (f *Feedback) ToText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %q\n", f.TaskPrompt)
	fmt.Fprintf(&sb, "Final Score: %.2f (raw %.2f, random baseline %.2f)\n", f.FinalScore, f.RawScore, f.RandomBaselineScore)
	fmt.Fprintf(&sb, "Executed Actions: %d, Failed Actions: %d\n", f.ExecutedActions, f.FailedActions)
	if f.NoPredicates {
		sb.WriteString("Tests: no predicates\n")
	} else {
		fmt.Fprintf(&sb, "Tests Passed: %d, Tests Failed: %d\n", f.PassedTests, f.FailedTests)
	}
	if f.CriticalFailures > 0 {
		fmt.Fprintf(&sb, "Critical Failures: %d\n", f.CriticalFailures)
	}
	fmt.Fprintf(&sb, "Total Execution Time: %.2fs\n", f.TotalExecutionTime.Seconds())
	fmt.Fprintf(&sb, "Time Penalty: %.1f\n", f.TimePenalty)
	if f.Error != nil {
		fmt.Fprintf(&sb, "Error: %s\n", f.Error.Error())
	}
	return sb.String()
}

// AggregatorConfig controls how the matrix reduces to a score.
type AggregatorConfig struct {
	// StrictAllOrNothing makes the raw score 1.0 only when every predicate
	// passes and 0.0 otherwise, removing partial-credit incentives on
	// fragile tests. When false, raw score is the passed fraction.
	StrictAllOrNothing bool `json:"strict_all_or_nothing" yaml:"strict_all_or_nothing"`
}

// Aggregate reduces a matrix and execution history to scored feedback.
// The final score is the raw score minus the task's random baseline,
// clamped to [0, 1].
func Aggregate(t task.Task, history []browser.ActionResult, matrix [][]predicate.Result, active []predicate.Predicate, baseline float64, cfg AggregatorConfig) *Feedback {
	feedback := &Feedback{
		TaskPrompt:          t.Prompt,
		RandomBaselineScore: baseline,
	}

	for _, step := range history {
		if step.SuccessfullyExecuted {
			feedback.ExecutedActions++
		} else {
			feedback.FailedActions++
		}
		feedback.TotalExecutionTime += step.ExecutionTime
	}

	passed := PassedColumns(matrix)
	for _, ok := range passed {
		if ok {
			feedback.PassedTests++
		} else {
			feedback.FailedTests++
		}
	}

	total := len(active)
	switch {
	case total == 0:
		feedback.NoPredicates = true
		feedback.RawScore = 0
	case cfg.StrictAllOrNothing:
		if feedback.PassedTests == total {
			feedback.RawScore = 1.0
		}
	default:
		feedback.RawScore = float64(feedback.PassedTests) / float64(total)
	}

	feedback.CriticalFailures = countCriticalFailures(active, passed)
	feedback.TimePenalty = timePenalty(feedback.TotalExecutionTime, len(history))

	feedback.FinalScore = clamp01(feedback.RawScore - baseline)
	return feedback
}

// countCriticalFailures counts backend-event predicates that never passed;
// a missed backend event means the task's side effect never happened.
func countCriticalFailures(active []predicate.Predicate, passed []bool) int {
	critical := 0
	for i, p := range active {
		if p.Type() == predicate.TypeCheckEvent && (len(passed) <= i || !passed[i]) {
			critical++
		}
	}
	return critical
}

// timePenalty charges 0.5 points per full 5 seconds beyond the expected
// duration of max(50s, 5s per action). Reported only, never applied.
func timePenalty(total time.Duration, actionCount int) float64 {
	expected := 50.0
	if fromActions := 5.0 * float64(actionCount); fromActions > expected {
		expected = fromActions
	}
	extra := total.Seconds() - expected
	if extra <= 0 {
		return 0
	}
	return math.Floor(extra/5.0) * 0.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
