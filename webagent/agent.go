// Package webagent defines the contracts for the agents under benchmark and
// the built-in reference agents. Remote agents are the common case: black
// boxes behind an HTTP API that either solve a task in one shot or act step
// by step against live browser state.
package webagent

import (
	"context"
	"math/rand"

	"github.com/google/uuid"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
)

// Agent is a one-shot web agent: given a task it proposes a full action
// sequence up front.
type Agent interface {
	// ID returns the unique agent identifier.
	ID() string

	// Name returns the human-readable agent name.
	Name() string

	// SolveTask returns the agent's proposed solution for the task.
	// A transport failure returns an error; the orchestrator records the
	// solution as absent and scores the (task, agent) pair zero.
	SolveTask(ctx context.Context, t task.Task) (*solution.TaskSolution, error)
}

// State is the browser state handed to an iterative agent at each step.
type State struct {
	// Task is the task being solved.
	Task task.Task

	// URL is the current page URL.
	URL string

	// SnapshotHTML is the current serialized DOM.
	SnapshotHTML string

	// Screenshot is an optional base64 screenshot of the current page.
	Screenshot string

	// StepIndex counts executed actions so far.
	StepIndex int

	// History carries the prior steps as the agent API expects them.
	History []map[string]any
}

// IterativeAgent is an agent-in-the-loop: it is called repeatedly with live
// browser state and returns the next actions to execute. An empty action
// list ends the episode.
type IterativeAgent interface {
	Agent

	// Act returns the next actions for the given state.
	Act(ctx context.Context, state State) ([]action.Action, error)
}

// RandomClickerOptions configures the random-clicker reference agent.
type RandomClickerOptions struct {
	// Seed fixes the random source so baselines are reproducible.
	Seed int64

	// Clicks is the number of random clicks to emit. Defaults to 1.
	Clicks int

	// ViewportWidth and ViewportHeight bound the click coordinates.
	// Defaults to 1920x1080.
	ViewportWidth  int
	ViewportHeight int
}

// RandomClicker proposes random viewport clicks. It establishes the random
// baseline an agent's raw score is normalized against: whatever a blind
// clicker scores on a task is not credit the agent earned.
type RandomClicker struct {
	id   string
	name string
	opts RandomClickerOptions
	rng  *rand.Rand
}

// NewRandomClicker creates a random clicker with the given options.
func NewRandomClicker(opts RandomClickerOptions) *RandomClicker {
	if opts.Clicks <= 0 {
		opts.Clicks = 1
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 1080
	}
	return &RandomClicker{
		id:   "random-clicker-" + uuid.New().String()[:8],
		name: "Random clicker",
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// ID returns the agent identifier.
func (a *RandomClicker) ID() string { return a.id }

// Name returns the agent name.
func (a *RandomClicker) Name() string { return a.name }

// SolveTask emits the configured number of random viewport clicks.
func (a *RandomClicker) SolveTask(_ context.Context, t task.Task) (*solution.TaskSolution, error) {
	actions := make([]action.Action, a.opts.Clicks)
	for i := range actions {
		actions[i] = action.Click{
			X: a.rng.Intn(a.opts.ViewportWidth),
			Y: a.rng.Intn(a.opts.ViewportHeight),
		}
	}
	return &solution.TaskSolution{
		TaskID:     t.ID,
		WebAgentID: a.id,
		Actions:    actions,
	}, nil
}
