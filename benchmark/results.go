package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zero-day-ai/webbench/metrics"
	"github.com/zero-day-ai/webbench/webagent"
)

// TaskOutcome is one (agent, task) cell of a run's results.
type TaskOutcome struct {
	// Prompt echoes the task instruction.
	Prompt string `json:"prompt"`

	// Score is the evaluation's final score.
	Score float64 `json:"score"`

	// UseCase tags the scenario the task exercises.
	UseCase string `json:"task_use_case,omitempty"`
}

// RunResult maps agent id → task id → outcome for one run.
type RunResult map[string]map[string]TaskOutcome

// record stores an outcome, creating the agent bucket when needed.
func (r RunResult) record(agentID, taskID string, outcome TaskOutcome) {
	if r[agentID] == nil {
		r[agentID] = make(map[string]TaskOutcome)
	}
	r[agentID][taskID] = outcome
}

// AgentRollup aggregates an agent's outcomes across all runs of a project.
// Success means a final score of exactly 1.0.
type AgentRollup struct {
	Success   int           `json:"success"`
	Total     int           `json:"total"`
	TimeSum   time.Duration `json:"time_sum"`
	TimeCount int           `json:"time_count"`
}

// SuccessRate returns successes over total, or 0 with no data.
func (r *AgentRollup) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Success) / float64(r.Total)
}

// AvgTime returns the mean recorded solve time, or 0 with no data.
func (r *AgentRollup) AvgTime() time.Duration {
	if r.TimeCount == 0 {
		return 0
	}
	return r.TimeSum / time.Duration(r.TimeCount)
}

// reportFile is the JSON layout handed to the report sink.
type reportFile struct {
	Timestamp time.Time                `json:"timestamp"`
	Project   string                   `json:"project"`
	Agents    []reportAgent            `json:"agents"`
	Results   RunResult                `json:"results"`
	Stats     map[string]metrics.Stats `json:"stats"`
}

type reportAgent struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	AvgSolutionSecs float64 `json:"avg_solution_time_seconds"`
}

// SaveResults writes the run's rollup as
// <outputDir>/benchmark_results_<timestamp>.json. The exact schema is a
// report-sink concern; the orchestrator only guarantees the handoff.
func SaveResults(outputDir, projectName string, result RunResult, agents []webagent.Agent, timing *metrics.TimingMetrics) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	report := reportFile{
		Timestamp: time.Now(),
		Project:   projectName,
		Results:   result,
		Stats:     make(map[string]metrics.Stats),
	}

	for _, agent := range agents {
		report.Agents = append(report.Agents, reportAgent{
			ID:              agent.ID(),
			Name:            agent.Name(),
			AvgSolutionSecs: timing.AvgSolutionTime(agent.ID()).Seconds(),
		})

		var scores []float64
		for _, outcome := range result[agent.ID()] {
			scores = append(scores, outcome.Score)
		}
		report.Stats[agent.Name()] = metrics.ComputeStats(scores)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("benchmark_results_%d.json", time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write results: %w", err)
	}
	return path, nil
}
