package eval

import (
	"log/slog"
	"time"
)

// BatchSummary condenses a batch's evaluations for logging and reporting.
type BatchSummary struct {
	// TaskID identifies the evaluated task.
	TaskID string `json:"task_id"`

	// TotalAgents and SuccessfulAgents count evaluations and those that
	// completed without execution errors.
	TotalAgents      int `json:"total_agents"`
	SuccessfulAgents int `json:"successful_agents"`

	// AvgScore and AvgTime are means across all evaluations.
	AvgScore float64       `json:"avg_score"`
	AvgTime  time.Duration `json:"avg_time"`

	// Phase totals across all evaluations.
	BrowserSetupTime  time.Duration `json:"browser_setup_time"`
	ActionTime        time.Duration `json:"action_time"`
	TestTime          time.Duration `json:"test_time"`
	RandomClickerTime time.Duration `json:"random_clicker_time"`

	// ActionTypeTiming maps action kind → cumulative execution time.
	ActionTypeTiming map[string]time.Duration `json:"action_type_timing,omitempty"`

	// Errors collects the error message of each evaluation that had errors,
	// first five only; repeated messages are not merged.
	Errors []string `json:"errors,omitempty"`
}

// Summarize reduces a batch's results for one task.
func Summarize(taskID string, results []*EvaluationResult) BatchSummary {
	summary := BatchSummary{
		TaskID:           taskID,
		ActionTypeTiming: make(map[string]time.Duration),
	}

	var scoreSum float64
	var timeSum time.Duration
	for _, res := range results {
		if res == nil || res.TaskID != taskID {
			continue
		}
		summary.TotalAgents++
		scoreSum += res.FinalScore

		stats := res.Stats
		if stats == nil {
			continue
		}
		timeSum += stats.TotalTime
		summary.BrowserSetupTime += stats.BrowserSetupTime
		summary.TestTime += stats.TestExecutionTime
		summary.RandomClickerTime += stats.RandomClickerTime
		for _, d := range stats.ActionExecutionTimes {
			summary.ActionTime += d
		}
		if !stats.HadErrors {
			summary.SuccessfulAgents++
		} else if len(summary.Errors) < 5 {
			summary.Errors = append(summary.Errors, stats.ErrorMessage)
		}

		for _, step := range res.ExecutionHistory {
			summary.ActionTypeTiming[actionKind(step)] += step.ExecutionTime
		}
	}

	if summary.TotalAgents > 0 {
		summary.AvgScore = scoreSum / float64(summary.TotalAgents)
		summary.AvgTime = timeSum / time.Duration(summary.TotalAgents)
	}
	return summary
}

// Log emits the summary through the given logger.
func (s BatchSummary) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("task batch summary",
		"task_id", s.TaskID,
		"agents", s.TotalAgents,
		"successful", s.SuccessfulAgents,
		"avg_score", s.AvgScore,
		"avg_time", s.AvgTime,
		"browser_setup", s.BrowserSetupTime,
		"action_time", s.ActionTime,
		"test_time", s.TestTime,
		"random_time", s.RandomClickerTime,
	)
	for kind, total := range s.ActionTypeTiming {
		logger.Debug("action type timing", "task_id", s.TaskID, "kind", kind, "total", total)
	}
	for _, msg := range s.Errors {
		logger.Warn("batch error", "task_id", s.TaskID, "error", msg)
	}
}
