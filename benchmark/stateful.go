package benchmark

import (
	"context"
	"encoding/json"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/eval"
	"github.com/zero-day-ai/webbench/task"
	"github.com/zero-day-ai/webbench/webagent"
)

// runTaskStateful runs the agent-in-the-loop mode for one task: each agent
// drives its own episode and the concatenated history is evaluated. Agents
// that do not implement IterativeAgent are skipped with a zero result.
func (b *Benchmark) runTaskStateful(ctx context.Context, project task.Project, be backend.Service, evaluator Evaluator, t task.Task) []*eval.EvaluationResult {
	results := make([]*eval.EvaluationResult, 0, len(b.cfg.Agents))

	for _, agent := range b.cfg.Agents {
		iterative, ok := agent.(webagent.IterativeAgent)
		if !ok {
			b.logger.Warn("agent does not support stateful mode", "agent", agent.Name())
			results = append(results, evaluator.EvaluateHistory(ctx, t, agent.ID(), nil))
			continue
		}

		history := b.runEpisode(ctx, project, be, iterative, t)
		results = append(results, evaluator.EvaluateHistory(ctx, t, agent.ID(), history))
	}
	return results
}

// runEpisode interleaves agent calls with browser state until the agent
// stops, a fatal error occurs, or the step budget is exhausted. The agent is
// responsible for knowing when to stop; the orchestrator only bounds it.
func (b *Benchmark) runEpisode(ctx context.Context, project task.Project, be backend.Service, agent webagent.IterativeAgent, t task.Task) []browser.ActionResult {
	if be != nil {
		if err := be.Reset(ctx, agent.ID()); err != nil {
			b.logger.Warn("backend reset failed", "agent", agent.Name(), "task_id", t.ID, "error", err)
		}
	}

	exec, err := b.opts.NewExecutor(ctx, project, be, agent.ID())
	if err != nil {
		b.logger.Error("failed to open stateful browser session",
			"agent", agent.Name(), "task_id", t.ID, "error", err)
		return nil
	}
	defer exec.Close()

	var history []browser.ActionResult

	// Step 0 navigates to the task's start URL; it is part of the episode
	// so evaluation sees the initial page state.
	first := exec.Execute(ctx, action.Navigate{URL: t.URL}, 0)
	history = append(history, first)
	if first.Error != nil && first.Error.Kind.Fatal() {
		return history
	}

	step := len(history)
	for step < b.cfg.MaxStepsPerTask {
		if ctx.Err() != nil {
			return history
		}

		last := history[len(history)-1].Snapshot
		state := webagent.State{
			Task:         t,
			URL:          last.CurrentURL,
			SnapshotHTML: last.CurrentHTML,
			Screenshot:   last.ScreenshotAfter,
			StepIndex:    step,
			History:      historyForAgent(history),
		}

		actions, err := agent.Act(ctx, state)
		if err != nil {
			b.logger.Error("act call failed", "agent", agent.Name(), "task_id", t.ID, "error", err)
			return history
		}
		if len(actions) == 0 {
			// The agent decided it is done.
			return history
		}

		for _, a := range actions {
			if unknown, ok := a.(action.Unknown); ok {
				prev := history[len(history)-1].Snapshot
				history = append(history, browser.ActionResult{
					Snapshot: browser.Snapshot{
						Iteration:   step,
						CurrentURL:  prev.CurrentURL,
						CurrentHTML: prev.CurrentHTML,
						PrevHTML:    prev.CurrentHTML,
					},
					Error: browser.NewExecutionError(browser.ErrInternal, "unknown action type %q skipped", unknown.TypeName),
				})
				step++
				if step >= b.cfg.MaxStepsPerTask {
					return history
				}
				continue
			}

			result := exec.Execute(ctx, a, step)
			history = append(history, result)
			step++

			if result.Error != nil && result.Error.Kind.Fatal() {
				return history
			}
			if step >= b.cfg.MaxStepsPerTask {
				return history
			}
		}
	}
	return history
}

// historyForAgent renders executed steps in the wire shape the agent API
// expects.
func historyForAgent(history []browser.ActionResult) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, step := range history {
		entry := map[string]any{
			"url":     step.Snapshot.CurrentURL,
			"success": step.SuccessfullyExecuted,
		}
		if len(step.Snapshot.Action) > 0 {
			var act map[string]any
			if err := json.Unmarshal(step.Snapshot.Action, &act); err == nil {
				entry["action"] = act
			}
		}
		if step.Error != nil {
			entry["error"] = step.Error.Message
		}
		out = append(out, entry)
	}
	return out
}
