// Package eval contains the task evaluation engine: the test runner that
// builds the step×predicate matrix, the aggregator that reduces it to a
// score, and the concurrent evaluator that replays solutions in isolated
// browser contexts and normalizes scores against a random-clicker baseline.
package eval

import (
	"context"

	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/predicate"
	"github.com/zero-day-ai/webbench/task"
)

// TestRunner evaluates every predicate of a task against every step of an
// execution history, producing the step×predicate matrix.
type TestRunner struct {
	judge predicate.Judge
}

// NewTestRunner creates a runner. The judge may be nil when no LLM judge is
// wired; judge predicates then fail closed.
func NewTestRunner(judge predicate.Judge) *TestRunner {
	return &TestRunner{judge: judge}
}

// ActivePredicates returns the task's predicates that participate in the
// matrix. Predicates whose family is disabled for the task are excluded and
// must not contribute to the score denominator.
func (r *TestRunner) ActivePredicates(t task.Task) []predicate.Predicate {
	active := make([]predicate.Predicate, 0, len(t.Predicates))
	for _, p := range t.Predicates {
		if p.Enabled(t.IsRealWeb) {
			active = append(active, p)
		}
	}
	return active
}

// Run builds the matrix: one row per executed action, one column per active
// predicate. Every row has exactly len(ActivePredicates) cells.
func (r *TestRunner) Run(ctx context.Context, t task.Task, history []browser.ActionResult) [][]predicate.Result {
	active := r.ActivePredicates(t)
	matrix := make([][]predicate.Result, 0, len(history))
	snapshots := make([]browser.Snapshot, 0, len(history))

	for i, step := range history {
		snapshots = append(snapshots, step.Snapshot)

		row := make([]predicate.Result, len(active))
		ec := predicate.EvalContext{
			Prompt:    t.Prompt,
			Iteration: i,
			Snapshot:  &snapshots[i],
			History:   snapshots,
			Judge:     r.judge,
		}
		for j, p := range active {
			row[j] = p.Evaluate(ctx, ec)
		}
		matrix = append(matrix, row)
	}
	return matrix
}

// PassedColumns reduces the matrix with the any-step rule: a predicate is
// passed for the task if any step marks it successful. The agent may
// transiently reach a goal state and navigate away.
func PassedColumns(matrix [][]predicate.Result) []bool {
	if len(matrix) == 0 {
		return nil
	}
	passed := make([]bool, len(matrix[0]))
	for _, row := range matrix {
		for j, cell := range row {
			if cell.Success {
				passed[j] = true
			}
		}
	}
	return passed
}
