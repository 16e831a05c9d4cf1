package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/predicate"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
	"github.com/zero-day-ai/webbench/webagent"
)

// EvaluationResult is the scored outcome for one (task, solution) pair.
type EvaluationResult struct {
	// TaskID and WebAgentID identify what was evaluated.
	TaskID     string `json:"task_id"`
	WebAgentID string `json:"web_agent_id"`

	// FinalScore is max(0, RawScore − RandomBaselineScore), in [0,1].
	FinalScore float64 `json:"final_score"`

	// RawScore is the predicate score before baseline subtraction.
	RawScore float64 `json:"raw_score"`

	// RandomBaselineScore is the random clicker's raw score on this task.
	RandomBaselineScore float64 `json:"random_baseline_score"`

	// TestResultsMatrix is the step×predicate grid.
	TestResultsMatrix [][]predicate.Result `json:"test_results_matrix"`

	// ExecutionHistory holds the per-step results in order.
	ExecutionHistory []browser.ActionResult `json:"execution_history"`

	// Feedback explains the score.
	Feedback *Feedback `json:"feedback,omitempty"`

	// GIFRecording is an opaque blob attached when recording is enabled.
	GIFRecording string `json:"gif_recording,omitempty"`

	// Error is set when the evaluation could not run at all. Such results
	// score zero like genuine zeros but remain distinguishable.
	Error *browser.ExecutionError `json:"error,omitempty"`

	// Stats carries per-phase timings for this evaluation.
	Stats *EvaluationStats `json:"stats,omitempty"`
}

// Recorder composes captured screenshot frames into an opaque recording
// blob. The evaluator never interprets the blob.
type Recorder interface {
	Compose(frames []string) (string, error)
}

// Config tunes the concurrent evaluator.
type Config struct {
	// ChunkSize bounds concurrent browser contexts per batch. Default 3.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// ActionTimeout bounds each browser action. Default 10s.
	ActionTimeout time.Duration `json:"action_timeout" yaml:"action_timeout"`

	// SettleDelay is the inter-action settle window. Default 200ms.
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`

	// Headless controls browser visibility. Default true.
	Headless bool `json:"headless" yaml:"headless"`

	// CaptureScreenshots enables per-step screenshots (required for
	// screenshot judges and GIF recording).
	CaptureScreenshots bool `json:"capture_screenshots" yaml:"capture_screenshots"`

	// Aggregator controls score reduction.
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`

	// BaselineSeed fixes the random clicker so baselines are reproducible.
	BaselineSeed int64 `json:"baseline_seed" yaml:"baseline_seed"`

	// BaselineClicks is the random clicker's action count. Default 1.
	BaselineClicks int `json:"baseline_clicks" yaml:"baseline_clicks"`
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      3,
		ActionTimeout:  10 * time.Second,
		SettleDelay:    200 * time.Millisecond,
		Headless:       true,
		Aggregator:     AggregatorConfig{StrictAllOrNothing: true},
		BaselineClicks: 1,
	}
}

// Options wires the evaluator's collaborators.
type Options struct {
	// Factory opens one browser executor per solution (required).
	Factory browser.Factory

	// Backend is the project's event service; nil for real-web projects.
	Backend BackendResetter

	// Judge backs the LLM-judge predicates; may be nil.
	Judge predicate.Judge

	// Baselines caches random-clicker scores; a fresh cache is created
	// when nil.
	Baselines *BaselineCache

	// Recorder composes GIF recordings; nil disables recording.
	Recorder Recorder

	// Meter optionally emits evaluation metrics.
	Meter metric.Meter

	// Tracer optionally creates one span per evaluated solution.
	Tracer trace.Tracer

	// Logger receives evaluation diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// BackendResetter is the slice of the backend service the evaluator needs:
// per-attempt isolation of the event log.
type BackendResetter interface {
	Reset(ctx context.Context, agentID string) error
}

// ConcurrentEvaluator replays solutions in isolated browser contexts and
// scores them. Identical solutions in a batch share one execution; every
// solution gets its own browser context; scores are normalized against a
// cached random-clicker baseline.
type ConcurrentEvaluator struct {
	project   task.Project
	cfg       Config
	factory   browser.Factory
	backend   BackendResetter
	runner    *TestRunner
	baselines *BaselineCache
	recorder  Recorder
	tracer    trace.Tracer
	logger    *slog.Logger

	actionDuration metric.Float64Histogram
	taskCounter    metric.Int64Counter
}

// NewConcurrentEvaluator creates an evaluator for one project.
func NewConcurrentEvaluator(project task.Project, cfg Config, opts Options) (*ConcurrentEvaluator, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("evaluator requires a browser factory")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 200 * time.Millisecond
	}
	if cfg.BaselineClicks <= 0 {
		cfg.BaselineClicks = 1
	}

	baselines := opts.Baselines
	if baselines == nil {
		baselines = NewBaselineCache()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("webbench/eval")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &ConcurrentEvaluator{
		project:   project,
		cfg:       cfg,
		factory:   opts.Factory,
		backend:   opts.Backend,
		runner:    NewTestRunner(opts.Judge),
		baselines: baselines,
		recorder:  opts.Recorder,
		tracer:    tracer,
		logger:    logger.With("component", "evaluator", "project", project.Name),
	}

	if opts.Meter != nil {
		var err error
		e.actionDuration, err = opts.Meter.Float64Histogram("webbench.action.duration",
			metric.WithDescription("Wall-clock duration of one browser action"),
			metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("failed to create action duration histogram: %w", err)
		}
		e.taskCounter, err = opts.Meter.Int64Counter("webbench.evaluations",
			metric.WithDescription("Completed solution evaluations"))
		if err != nil {
			return nil, fmt.Errorf("failed to create evaluation counter: %w", err)
		}
	}

	return e, nil
}

// EvaluateSingle scores one solution for one task.
func (e *ConcurrentEvaluator) EvaluateSingle(ctx context.Context, t task.Task, sol solution.TaskSolution) *EvaluationResult {
	return e.evaluate(ctx, t, sol)
}

// EvaluateBatch scores many solutions for the same task. Solutions are
// grouped by fingerprint; one representative per group executes (bounded by
// ChunkSize concurrent browser contexts) and its result is broadcast to all
// group members under their own agent ids. A representative failure marks
// every member failed with the same error.
func (e *ConcurrentEvaluator) EvaluateBatch(ctx context.Context, t task.Task, solutions []solution.TaskSolution) []*EvaluationResult {
	type group struct {
		representative solution.TaskSolution
		memberIdx      []int
	}

	results := make([]*EvaluationResult, len(solutions))
	groups := make(map[string]*group)
	order := make([]string, 0, len(solutions))

	for i, sol := range solutions {
		fp := sol.Fingerprint()
		if fp == "" {
			// Empty action lists and un-hashable solutions short-circuit.
			results[i] = e.emptyResult(t, sol)
			continue
		}
		g, ok := groups[fp]
		if !ok {
			g = &group{representative: sol}
			groups[fp] = g
			order = append(order, fp)
		}
		g.memberIdx = append(g.memberIdx, i)
	}

	sem := make(chan struct{}, e.cfg.ChunkSize)
	var wg sync.WaitGroup

	for _, fp := range order {
		g := groups[fp]
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				err := browser.NewExecutionError(browser.ErrInternal, "evaluation cancelled: %v", ctx.Err())
				for _, idx := range g.memberIdx {
					results[idx] = e.failedResult(t, solutions[idx], err)
				}
				return
			}

			rep := e.evaluate(ctx, t, g.representative)
			for _, idx := range g.memberIdx {
				results[idx] = broadcast(rep, solutions[idx].WebAgentID)
			}
		}()
	}
	wg.Wait()

	e.logger.Info("batch evaluated",
		"task_id", t.ID,
		"solutions", len(solutions),
		"groups", len(groups),
	)
	return results
}

// EvaluateHistory scores an execution history that was produced elsewhere,
// e.g. by the stateful agent-in-the-loop mode. Tests, baseline subtraction
// and aggregation run exactly as for a replayed solution; no browser is
// opened here.
func (e *ConcurrentEvaluator) EvaluateHistory(ctx context.Context, t task.Task, agentID string, history []browser.ActionResult) *EvaluationResult {
	if len(history) == 0 {
		return e.emptyResult(t, solution.TaskSolution{TaskID: t.ID, WebAgentID: agentID})
	}

	start := time.Now()
	stats := &EvaluationStats{TaskID: t.ID, WebAgentID: agentID}
	stats.recordHistory(history)

	baselineCh := e.startBaseline(ctx, t)

	testStart := time.Now()
	matrix := e.runner.Run(ctx, t, history)
	stats.TestExecutionTime = time.Since(testStart)

	baselineStart := time.Now()
	baseline := <-baselineCh
	stats.RandomClickerTime = time.Since(baselineStart)

	active := e.runner.ActivePredicates(t)
	feedback := Aggregate(t, history, matrix, active, baseline, e.cfg.Aggregator)

	stats.FinalScore = feedback.FinalScore
	stats.RawScore = feedback.RawScore
	stats.RandomClickerScore = baseline
	stats.TestsPassed = feedback.PassedTests
	stats.TotalTests = len(active)
	stats.TotalTime = time.Since(start)

	result := &EvaluationResult{
		TaskID:              t.ID,
		WebAgentID:          agentID,
		FinalScore:          feedback.FinalScore,
		RawScore:            feedback.RawScore,
		RandomBaselineScore: baseline,
		TestResultsMatrix:   matrix,
		ExecutionHistory:    history,
		Feedback:            feedback,
		Stats:               stats,
	}

	if t.ShouldRecord && e.recorder != nil {
		result.GIFRecording = e.composeRecording(history)
	}

	e.recordMetrics(ctx, t, history, stats)
	return result
}

// evaluate runs the full single-solution protocol: backend reset, fresh
// browser context, asynchronous baseline, sequential action replay, test
// matrix, aggregation.
func (e *ConcurrentEvaluator) evaluate(ctx context.Context, t task.Task, sol solution.TaskSolution) *EvaluationResult {
	if len(sol.Actions) == 0 {
		return e.emptyResult(t, sol)
	}

	ctx, span := e.tracer.Start(ctx, "eval.solution", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("agent.id", sol.WebAgentID),
		attribute.Int("actions", len(sol.Actions)),
	))
	defer span.End()

	start := time.Now()
	stats := &EvaluationStats{TaskID: t.ID, WebAgentID: sol.WebAgentID}

	// Baseline runs concurrently with the agent's own replay; both sides
	// are needed only at aggregation time.
	baselineCh := e.startBaseline(ctx, t)

	if e.backend != nil {
		if err := e.backend.Reset(ctx, sol.WebAgentID); err != nil {
			e.logger.Warn("backend reset failed", "task_id", t.ID, "agent_id", sol.WebAgentID, "error", err)
		}
	}

	setupStart := time.Now()
	exec, err := e.factory(ctx, sol.WebAgentID)
	if err != nil {
		stats.HadErrors = true
		stats.ErrorMessage = err.Error()
		return e.failedResult(t, sol, browser.NewExecutionError(browser.ErrInternal, "failed to open browser context: %v", err))
	}
	defer exec.Close()
	stats.BrowserSetupTime = time.Since(setupStart)

	history := e.replay(ctx, exec, sol.PreparedActions())
	stats.recordHistory(history)

	testStart := time.Now()
	matrix := e.runner.Run(ctx, t, history)
	stats.TestExecutionTime = time.Since(testStart)

	baselineStart := time.Now()
	baseline := <-baselineCh
	stats.RandomClickerTime = time.Since(baselineStart)

	active := e.runner.ActivePredicates(t)
	feedback := Aggregate(t, history, matrix, active, baseline, e.cfg.Aggregator)

	stats.FinalScore = feedback.FinalScore
	stats.RawScore = feedback.RawScore
	stats.RandomClickerScore = baseline
	stats.TestsPassed = feedback.PassedTests
	stats.TotalTests = len(active)
	stats.TotalTime = time.Since(start)

	result := &EvaluationResult{
		TaskID:              t.ID,
		WebAgentID:          sol.WebAgentID,
		FinalScore:          feedback.FinalScore,
		RawScore:            feedback.RawScore,
		RandomBaselineScore: baseline,
		TestResultsMatrix:   matrix,
		ExecutionHistory:    history,
		Feedback:            feedback,
		Stats:               stats,
	}

	if t.ShouldRecord && e.recorder != nil {
		result.GIFRecording = e.composeRecording(history)
	}

	span.SetAttributes(
		attribute.Float64("score.final", feedback.FinalScore),
		attribute.Float64("score.raw", feedback.RawScore),
		attribute.Int("steps", len(history)),
	)

	e.recordMetrics(ctx, t, history, stats)
	return result
}

// replay executes the prepared actions in order, stopping at the first
// fatal error. Trailing actions after a fatal step are not executed.
// Unknown actions are never dispatched: the step is recorded as skipped
// with an internal error and the remaining actions proceed.
func (e *ConcurrentEvaluator) replay(ctx context.Context, exec browser.Executor, actions []action.Action) []browser.ActionResult {
	history := make([]browser.ActionResult, 0, len(actions))
	for i, a := range actions {
		if unknown, ok := a.(action.Unknown); ok {
			history = append(history, skippedStep(history, i, unknown))
			continue
		}

		step := exec.Execute(ctx, a, i)
		history = append(history, step)

		if step.Error != nil && step.Error.Kind.Fatal() {
			e.logger.Debug("fatal step error, stopping replay",
				"step", i, "kind", step.Error.Kind)
			break
		}
	}
	return history
}

// skippedStep records an un-executed step whose snapshot reflects the
// unchanged browser state.
func skippedStep(history []browser.ActionResult, index int, unknown action.Unknown) browser.ActionResult {
	snapshot := browser.Snapshot{Iteration: index, Timestamp: time.Now()}
	if len(history) > 0 {
		prev := history[len(history)-1].Snapshot
		snapshot.CurrentURL = prev.CurrentURL
		snapshot.CurrentHTML = prev.CurrentHTML
		snapshot.PrevHTML = prev.CurrentHTML
	}
	return browser.ActionResult{
		Snapshot: snapshot,
		Error:    browser.NewExecutionError(browser.ErrInternal, "unknown action type %q skipped", unknown.TypeName),
	}
}

// startBaseline resolves the task's random-clicker baseline asynchronously.
// Failures degrade to a zero baseline so the agent's score stands on its own.
func (e *ConcurrentEvaluator) startBaseline(ctx context.Context, t task.Task) <-chan float64 {
	ch := make(chan float64, 1)
	go func() {
		score, err := e.baselines.GetOrCompute(ctx, t.ID, func(ctx context.Context) (float64, error) {
			return e.computeBaseline(ctx, t)
		})
		if err != nil {
			e.logger.Warn("baseline computation failed", "task_id", t.ID, "error", err)
			ch <- 0
			return
		}
		ch <- score
	}()
	return ch
}

// computeBaseline runs the random clicker through the same executor pipeline
// and returns its raw passed fraction.
func (e *ConcurrentEvaluator) computeBaseline(ctx context.Context, t task.Task) (float64, error) {
	clicker := webagent.NewRandomClicker(webagent.RandomClickerOptions{
		Seed:   e.cfg.BaselineSeed,
		Clicks: e.cfg.BaselineClicks,
	})
	sol, err := clicker.SolveTask(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("random clicker failed to produce actions: %w", err)
	}
	if len(sol.Actions) == 0 {
		return 0, nil
	}

	agentID := "random-clicker-" + t.ID
	if e.backend != nil {
		if err := e.backend.Reset(ctx, agentID); err != nil {
			e.logger.Warn("baseline backend reset failed", "task_id", t.ID, "error", err)
		}
	}

	exec, err := e.factory(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to open baseline browser context: %w", err)
	}
	defer exec.Close()

	history := e.replay(ctx, exec, action.WithAgentID(sol.Actions, agentID))
	matrix := e.runner.Run(ctx, t, history)

	active := e.runner.ActivePredicates(t)
	if len(active) == 0 {
		return 0, nil
	}

	passedCount := 0
	for _, ok := range PassedColumns(matrix) {
		if ok {
			passedCount++
		}
	}
	return float64(passedCount) / float64(len(active)), nil
}

// emptyResult is the synchronous answer for solutions with no actions:
// zero score, empty history, empty matrix.
func (e *ConcurrentEvaluator) emptyResult(t task.Task, sol solution.TaskSolution) *EvaluationResult {
	return &EvaluationResult{
		TaskID:            t.ID,
		WebAgentID:        sol.WebAgentID,
		TestResultsMatrix: [][]predicate.Result{},
		ExecutionHistory:  []browser.ActionResult{},
		Feedback: &Feedback{
			TaskPrompt:   t.Prompt,
			NoPredicates: len(e.runner.ActivePredicates(t)) == 0,
		},
	}
}

// failedResult marks an evaluation that could not run at all.
func (e *ConcurrentEvaluator) failedResult(t task.Task, sol solution.TaskSolution, execErr *browser.ExecutionError) *EvaluationResult {
	return &EvaluationResult{
		TaskID:            t.ID,
		WebAgentID:        sol.WebAgentID,
		TestResultsMatrix: [][]predicate.Result{},
		ExecutionHistory:  []browser.ActionResult{},
		Feedback: &Feedback{
			TaskPrompt: t.Prompt,
			Error:      execErr,
		},
		Error: execErr,
	}
}

// composeRecording hands the captured after-frames to the recorder.
func (e *ConcurrentEvaluator) composeRecording(history []browser.ActionResult) string {
	frames := make([]string, 0, len(history))
	for _, step := range history {
		if step.Snapshot.ScreenshotAfter != "" {
			frames = append(frames, step.Snapshot.ScreenshotAfter)
		}
	}
	if len(frames) == 0 {
		return ""
	}
	blob, err := e.recorder.Compose(frames)
	if err != nil {
		e.logger.Warn("recording composition failed", "error", err)
		return ""
	}
	return blob
}

func (e *ConcurrentEvaluator) recordMetrics(ctx context.Context, t task.Task, history []browser.ActionResult, stats *EvaluationStats) {
	if e.taskCounter != nil {
		e.taskCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("project", e.project.Name),
			attribute.Bool("had_errors", stats.HadErrors),
		))
	}
	if e.actionDuration != nil {
		for _, step := range history {
			e.actionDuration.Record(ctx, step.ExecutionTime.Seconds(), metric.WithAttributes(
				attribute.String("project", e.project.Name),
			))
		}
	}
}

// broadcast copies a representative's result for another member of its
// dedup group; only the agent id differs.
func broadcast(rep *EvaluationResult, agentID string) *EvaluationResult {
	cp := *rep
	cp.WebAgentID = agentID
	if rep.Stats != nil {
		statsCp := *rep.Stats
		statsCp.WebAgentID = agentID
		cp.Stats = &statsCp
	}
	return &cp
}
