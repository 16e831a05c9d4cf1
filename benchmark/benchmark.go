package benchmark

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/cache"
	"github.com/zero-day-ai/webbench/eval"
	"github.com/zero-day-ai/webbench/metrics"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
	"github.com/zero-day-ai/webbench/webagent"
)

// TaskSource supplies tasks for a project. Task generation is an external
// collaborator; the orchestrator only consumes fully-formed tasks.
type TaskSource interface {
	Tasks(ctx context.Context, project task.Project) ([]task.Task, error)
}

// Evaluator is the slice of the evaluation engine the orchestrator drives.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, t task.Task, solutions []solution.TaskSolution) []*eval.EvaluationResult
	EvaluateHistory(ctx context.Context, t task.Task, agentID string, history []browser.ActionResult) *eval.EvaluationResult
}

// EvaluatorFactory builds an evaluator for one project. The backend service
// is nil for real-web projects.
type EvaluatorFactory func(project task.Project, be backend.Service) (Evaluator, error)

// ExecutorFactory opens a browser executor for a stateful episode.
type ExecutorFactory func(ctx context.Context, project task.Project, be backend.Service, agentID string) (browser.Executor, error)

// Options wires the orchestrator's collaborators. Every field except the
// required TaskSource has a production default; tests replace them with fakes.
type Options struct {
	// TaskSource supplies tasks per project (required).
	TaskSource TaskSource

	// Solutions caches agent solutions; a file store under the configured
	// cache dir is created when nil.
	Solutions cache.SolutionStore

	// NewBackend builds the event-service client for a project.
	NewBackend func(project task.Project) (backend.Service, error)

	// NewEvaluator builds the per-project evaluation engine.
	NewEvaluator EvaluatorFactory

	// NewExecutor opens browser sessions for stateful episodes.
	NewExecutor ExecutorFactory

	// Logger receives orchestration diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Benchmark drives the full product projects × runs × tasks × agents.
// One project at a time, one run at a time; within a run all agents for one
// task are dispatched in parallel under the global semaphore.
type Benchmark struct {
	cfg  Config
	opts Options

	agentSem  chan struct{}
	solutions cache.SolutionStore
	taskCache *task.Cache
	timing    *metrics.TimingMetrics
	baselines *eval.BaselineCache
	logger    *slog.Logger

	mu           sync.Mutex
	globalRollup map[string]*AgentRollup
}

// New validates the configuration and wires the orchestrator.
func New(cfg Config, opts Options) (*Benchmark, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid benchmark config: %w", err)
	}
	if opts.TaskSource == nil {
		return nil, fmt.Errorf("benchmark requires a task source")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "benchmark")

	solutions := opts.Solutions
	if solutions == nil {
		store, err := cache.NewFileStore(cfg.SolutionsCacheDir, logger)
		if err != nil {
			return nil, err
		}
		solutions = store
	}

	taskCache, err := task.NewCache(cfg.TasksCacheDir, logger)
	if err != nil {
		return nil, err
	}

	b := &Benchmark{
		cfg:          cfg,
		opts:         opts,
		agentSem:     make(chan struct{}, cfg.MaxParallelAgentCalls),
		solutions:    solutions,
		taskCache:    taskCache,
		timing:       metrics.NewTimingMetrics(),
		baselines:    eval.NewBaselineCache(),
		logger:       logger,
		globalRollup: make(map[string]*AgentRollup),
	}

	if b.opts.NewBackend == nil {
		b.opts.NewBackend = func(project task.Project) (backend.Service, error) {
			return backend.NewClient(backend.Options{BaseURL: project.BackendURL, Logger: logger})
		}
	}
	if b.opts.NewEvaluator == nil {
		b.opts.NewEvaluator = b.defaultEvaluatorFactory
	}
	if b.opts.NewExecutor == nil {
		b.opts.NewExecutor = b.defaultExecutorFactory
	}

	logger.Info("configuration validated",
		"projects", len(cfg.Projects),
		"agents", len(cfg.Agents),
		"runs", cfg.Runs,
		"mode", cfg.Mode,
	)
	return b, nil
}

// defaultEvaluatorFactory builds the chromedp-backed evaluation engine.
func (b *Benchmark) defaultEvaluatorFactory(project task.Project, be backend.Service) (Evaluator, error) {
	factory := browser.NewFactory(browser.Options{
		Backend:            be,
		Headless:           b.cfg.Evaluator.Headless,
		ActionTimeout:      b.cfg.Evaluator.ActionTimeout,
		SettleDelay:        b.cfg.Evaluator.SettleDelay,
		CaptureScreenshots: b.cfg.Evaluator.CaptureScreenshots || b.cfg.RecordGIF,
		Logger:             b.logger,
	})
	return eval.NewConcurrentEvaluator(project, b.cfg.Evaluator, eval.Options{
		Factory:   factory,
		Backend:   be,
		Baselines: b.baselines,
		Logger:    b.logger,
	})
}

// defaultExecutorFactory opens a chromedp session for stateful episodes.
func (b *Benchmark) defaultExecutorFactory(ctx context.Context, project task.Project, be backend.Service, agentID string) (browser.Executor, error) {
	return browser.NewChromeExecutor(ctx, browser.Options{
		AgentID:            agentID,
		Backend:            be,
		Headless:           b.cfg.Evaluator.Headless,
		ActionTimeout:      b.cfg.Evaluator.ActionTimeout,
		SettleDelay:        b.cfg.Evaluator.SettleDelay,
		CaptureScreenshots: b.cfg.Evaluator.CaptureScreenshots,
		Logger:             b.logger,
	})
}

// Run executes the complete benchmark across all configured projects and
// runs. Run and project failures are logged and contained so neighboring
// work proceeds; Run itself fails only on a cancelled context.
func (b *Benchmark) Run(ctx context.Context) error {
	b.timing.Start()
	defer b.timing.End()

	successfulProjects := 0
	for i, project := range b.cfg.Projects {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Info("project starting",
			"project", project.Name,
			"index", i+1,
			"total", len(b.cfg.Projects),
		)

		if err := b.runProject(ctx, project); err != nil {
			b.logger.Error("project failed completely", "project", project.Name, "error", err)
			continue
		}
		successfulProjects++
	}

	b.logger.Info("benchmark finished",
		"successful_projects", successfulProjects,
		"total_projects", len(b.cfg.Projects),
		"total_time", b.timing.TotalTime(),
	)
	return nil
}

// runProject executes all runs for one project.
func (b *Benchmark) runProject(ctx context.Context, project task.Project) error {
	var be backend.Service
	if !project.IsRealWeb {
		var err error
		be, err = b.opts.NewBackend(project)
		if err != nil {
			return fmt.Errorf("failed to build backend client: %w", err)
		}
		defer be.Close()
	}

	evaluator, err := b.opts.NewEvaluator(project, be)
	if err != nil {
		return fmt.Errorf("failed to build evaluator: %w", err)
	}

	tasks, err := b.loadTasks(ctx, project)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks for project %s", project.Name)
	}

	for i := range tasks {
		if tasks[i].WebProjectID == "" {
			tasks[i].WebProjectID = project.ID
		}
		if b.cfg.RecordGIF {
			tasks[i].ShouldRecord = true
		}
	}

	var projectRunResults []RunResult
	for run := 1; run <= b.cfg.Runs; run++ {
		b.logger.Info("run starting", "project", project.Name, "run", run, "runs", b.cfg.Runs)

		runResult, err := b.executeRun(ctx, project, be, evaluator, tasks, run)
		if err != nil {
			// A failed run is excluded from rollups; the next run proceeds.
			b.logger.Error("run failed", "project", project.Name, "run", run, "error", err)
			continue
		}
		projectRunResults = append(projectRunResults, runResult)
	}

	if len(projectRunResults) == 0 {
		return fmt.Errorf("no successful runs for project %s", project.Name)
	}

	b.accumulateGlobalRollup(projectRunResults)

	if b.cfg.SaveResultsJSON {
		last := projectRunResults[len(projectRunResults)-1]
		path, err := SaveResults(b.cfg.OutputDir, project.Name, last, b.cfg.Agents, b.timing)
		if err != nil {
			b.logger.Error("failed to save results", "project", project.Name, "error", err)
		} else {
			b.logger.Info("results saved", "path", path)
		}
	}
	return nil
}

// loadTasks consumes cached tasks when configured, falling back to the task
// source, and refreshes the cache after generation.
func (b *Benchmark) loadTasks(ctx context.Context, project task.Project) ([]task.Task, error) {
	if b.cfg.UseCachedTasks {
		cached, err := b.taskCache.Load(project)
		if err != nil {
			b.logger.Warn("task cache read failed", "project", project.Name, "error", err)
		}
		if len(cached) > 0 {
			b.logger.Info("using cached tasks", "project", project.Name, "count", len(cached))
			return cached, nil
		}
	}

	tasks, err := b.opts.TaskSource.Tasks(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("task source failed for %s: %w", project.Name, err)
	}

	if len(tasks) > 0 {
		if err := b.taskCache.Save(project, tasks); err != nil {
			b.logger.Warn("task cache write failed", "project", project.Name, "error", err)
		}
	}
	return tasks, nil
}

// executeRun runs every task for every agent once.
func (b *Benchmark) executeRun(ctx context.Context, project task.Project, be backend.Service, evaluator Evaluator, tasks []task.Task, runIndex int) (RunResult, error) {
	runResult := make(RunResult)

	for _, t := range tasks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var results []*eval.EvaluationResult
		if b.cfg.Mode == ModeStateful {
			results = b.runTaskStateful(ctx, project, be, evaluator, t)
		} else {
			results = b.runTaskConcurrent(ctx, project, be, evaluator, t, runIndex)
		}

		for _, res := range results {
			if res == nil {
				continue
			}
			runResult.record(res.WebAgentID, t.ID, TaskOutcome{
				Prompt:  t.Prompt,
				Score:   res.FinalScore,
				UseCase: t.UseCase,
			})
			if b.cfg.RecordGIF && res.GIFRecording != "" {
				b.persistRecording(res, t, runIndex)
			}
		}
	}
	return runResult, nil
}

// runTaskConcurrent dispatches solve_task to every agent in parallel under
// the global semaphore, then evaluates all solutions as one batch.
func (b *Benchmark) runTaskConcurrent(ctx context.Context, project task.Project, be backend.Service, evaluator Evaluator, t task.Task, runIndex int) []*eval.EvaluationResult {
	solutions := make([]solution.TaskSolution, len(b.cfg.Agents))
	var wg sync.WaitGroup

	for i, agent := range b.cfg.Agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sol := b.solveTaskWithAgent(ctx, project, be, agent, t, runIndex)
			if sol != nil {
				solutions[i] = *sol
			} else {
				// An absent solution scores zero for this (task, agent).
				solutions[i] = solution.TaskSolution{TaskID: t.ID, WebAgentID: agent.ID()}
			}
		}()
	}
	wg.Wait()

	evalStart := time.Now()
	results := evaluator.EvaluateBatch(ctx, t, solutions)
	for _, res := range results {
		if res != nil {
			b.timing.RecordEvaluationTime(res.WebAgentID, t.ID, time.Since(evalStart))
		}
	}

	eval.Summarize(t.ID, results).Log(b.logger)
	return results
}

// solveTaskWithAgent resolves one task with one agent under the global
// semaphore, resetting the project backend for per-attempt isolation and
// consulting the solution cache when configured.
func (b *Benchmark) solveTaskWithAgent(ctx context.Context, project task.Project, be backend.Service, agent webagent.Agent, t task.Task, runIndex int) *solution.TaskSolution {
	select {
	case b.agentSem <- struct{}{}:
		defer func() { <-b.agentSem }()
	case <-ctx.Done():
		return nil
	}

	if be != nil {
		if err := be.Reset(ctx, agent.ID()); err != nil {
			b.logger.Warn("backend reset failed", "agent", agent.Name(), "task_id", t.ID, "error", err)
		}
	}

	if b.cfg.UseCachedSolutions {
		cached, err := b.solutions.Load(ctx, t.ID, agent.ID())
		if err != nil {
			b.logger.Warn("solution cache read failed", "agent", agent.Name(), "task_id", t.ID, "error", err)
		}
		if cached != nil && len(cached.Actions) > 0 {
			b.logger.Info("using cached solution", "agent", agent.Name(), "task_id", t.ID)
			cached.WebAgentID = agent.ID()
			return cached
		}
	}

	start := time.Now()
	sol, err := agent.SolveTask(ctx, t)
	if err != nil {
		b.logger.Error("agent failed to solve task",
			"agent", agent.Name(), "task_id", t.ID, "run", runIndex, "error", err)
		return nil
	}
	if sol == nil {
		b.logger.Warn("agent returned no solution", "agent", agent.Name(), "task_id", t.ID)
		return nil
	}
	sol.TaskID = t.ID
	sol.WebAgentID = agent.ID()

	b.timing.RecordSolutionTime(agent.ID(), t.ID, time.Since(start))

	if err := b.solutions.Save(ctx, *sol, agent.Name()); err != nil {
		b.logger.Warn("solution cache write failed", "agent", agent.Name(), "task_id", t.ID, "error", err)
	}
	return sol
}

// accumulateGlobalRollup folds the project's run results into the global
// per-agent rollup. Success means a final score of exactly 1.0.
func (b *Benchmark) accumulateGlobalRollup(runResults []RunResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, runResult := range runResults {
		for _, agent := range b.cfg.Agents {
			outcomes, ok := runResult[agent.ID()]
			if !ok {
				continue
			}

			rollup := b.globalRollup[agent.Name()]
			if rollup == nil {
				rollup = &AgentRollup{}
				b.globalRollup[agent.Name()] = rollup
			}

			for taskID, outcome := range outcomes {
				rollup.Total++
				if outcome.Score == 1.0 {
					rollup.Success++
				}
				if d := b.timing.SolutionTime(agent.ID(), taskID); d > 0 {
					rollup.TimeSum += d
					rollup.TimeCount++
				}
			}
		}
	}

	for _, agent := range b.cfg.Agents {
		if rollup := b.globalRollup[agent.Name()]; rollup != nil {
			b.logger.Info("agent rollup",
				"agent", agent.Name(),
				"success_rate", rollup.SuccessRate(),
				"success", rollup.Success,
				"total", rollup.Total,
				"avg_time", rollup.AvgTime(),
			)
		}
	}
}

// GlobalRollup returns a copy of the per-agent rollups accumulated so far.
func (b *Benchmark) GlobalRollup() map[string]AgentRollup {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]AgentRollup, len(b.globalRollup))
	for name, rollup := range b.globalRollup {
		out[name] = *rollup
	}
	return out
}

// persistRecording stores a result's recording blob under
// recordings/<agent>/<task>_run_<n>.gif.
func (b *Benchmark) persistRecording(res *eval.EvaluationResult, t task.Task, runIndex int) {
	agentName := res.WebAgentID
	for _, agent := range b.cfg.Agents {
		if agent.ID() == res.WebAgentID {
			agentName = agent.Name()
			break
		}
	}

	dir := filepath.Join(b.cfg.RecordingsDir, agentName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Warn("failed to create recordings dir", "error", err)
		return
	}

	blob, err := base64.StdEncoding.DecodeString(res.GIFRecording)
	if err != nil {
		b.logger.Warn("recording is not valid base64", "task_id", t.ID, "error", err)
		return
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_run_%d.gif", t.ID, runIndex))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		b.logger.Warn("failed to write recording", "path", path, "error", err)
		return
	}
	b.logger.Info("recording saved", "agent", agentName, "task_id", t.ID, "run", runIndex)
}
