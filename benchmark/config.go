// Package benchmark contains the top-level orchestrator: it fans projects ×
// runs × tasks × agents out to the evaluation engine under a global
// parallelism budget, isolates backend state per attempt, and aggregates
// per-run and global rollups.
package benchmark

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/webbench/eval"
	"github.com/zero-day-ai/webbench/task"
	"github.com/zero-day-ai/webbench/webagent"
)

// EvaluatorMode selects how agents are called.
type EvaluatorMode string

const (
	// ModeConcurrent asks each agent for a full solution up front.
	ModeConcurrent EvaluatorMode = "concurrent"

	// ModeStateful interleaves agent calls with live browser state.
	ModeStateful EvaluatorMode = "stateful"
)

// Config is the orchestrator configuration. Validation errors at
// construction are fatal and surface to the caller.
type Config struct {
	// Projects are the target web applications to evaluate against.
	Projects []task.Project

	// Agents are the candidates to score.
	Agents []webagent.Agent

	// Runs is the number of independent repetitions per project.
	Runs int

	// MaxParallelAgentCalls bounds concurrent agent calls globally.
	MaxParallelAgentCalls int

	// UseCachedTasks consumes cached tasks when available.
	UseCachedTasks bool

	// UseCachedSolutions consumes cached solutions when available.
	UseCachedSolutions bool

	// RecordGIF propagates recording to the evaluator.
	RecordGIF bool

	// SaveResultsJSON hands rollups to the report sink.
	SaveResultsJSON bool

	// Mode selects concurrent or stateful agent calling.
	Mode EvaluatorMode

	// MaxStepsPerTask bounds a stateful episode.
	MaxStepsPerTask int

	// Evaluator tunes the evaluation engine.
	Evaluator eval.Config

	// DemoWebsEndpoint anchors agent-returned navigate URLs.
	DemoWebsEndpoint string

	// OutputDir, TasksCacheDir, SolutionsCacheDir and RecordingsDir locate
	// the benchmark's on-disk artifacts.
	OutputDir         string
	TasksCacheDir     string
	SolutionsCacheDir string
	RecordingsDir     string
}

// DefaultConfig returns a config with the orchestrator defaults applied;
// projects and agents must still be supplied.
func DefaultConfig() Config {
	return Config{
		Runs:                  1,
		MaxParallelAgentCalls: 1,
		SaveResultsJSON:       true,
		Mode:                  ModeConcurrent,
		MaxStepsPerTask:       50,
		Evaluator:             eval.DefaultConfig(),
		OutputDir:             "benchmark-output/results",
		TasksCacheDir:         "benchmark-output/tasks",
		SolutionsCacheDir:     "benchmark-output/solutions",
		RecordingsDir:         "benchmark-output/recordings",
	}
}

// Validate checks the configuration semantics.
func (c *Config) Validate() error {
	if len(c.Projects) == 0 {
		return fmt.Errorf("no projects configured")
	}
	for i := range c.Projects {
		if err := c.Projects[i].Validate(); err != nil {
			return err
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if seen[agent.ID()] {
			return fmt.Errorf("duplicate agent id %q", agent.ID())
		}
		seen[agent.ID()] = true
	}

	if c.Runs <= 0 {
		return fmt.Errorf("runs must be greater than 0")
	}
	if c.MaxParallelAgentCalls <= 0 {
		return fmt.Errorf("max parallel agent calls must be greater than 0")
	}

	switch c.Mode {
	case ModeConcurrent:
	case ModeStateful:
		if c.MaxStepsPerTask <= 0 {
			return fmt.Errorf("max steps per task must be greater than 0 in stateful mode")
		}
	default:
		return fmt.Errorf("invalid evaluator mode %q", c.Mode)
	}
	return nil
}

// FileConfig is the YAML form of a benchmark configuration.
type FileConfig struct {
	Projects []task.Project `yaml:"projects"`
	Agents   []AgentSpec    `yaml:"agents"`

	Runs                  int    `yaml:"runs"`
	MaxParallelAgentCalls int    `yaml:"max_parallel_agent_calls"`
	UseCachedTasks        bool   `yaml:"use_cached_tasks"`
	UseCachedSolutions    bool   `yaml:"use_cached_solutions"`
	RecordGIF             bool   `yaml:"record_gif"`
	SaveResultsJSON       *bool  `yaml:"save_results_json"`
	Mode                  string `yaml:"evaluator_mode"`
	MaxStepsPerTask       int    `yaml:"max_steps_per_task"`
	DemoWebsEndpoint      string `yaml:"demo_webs_endpoint"`

	OutputDir         string `yaml:"output_dir"`
	TasksCacheDir     string `yaml:"tasks_cache_dir"`
	SolutionsCacheDir string `yaml:"solutions_cache_dir"`
	RecordingsDir     string `yaml:"recordings_dir"`

	Evaluator struct {
		ChunkSize          int    `yaml:"chunk_size"`
		ActionTimeout      string `yaml:"action_timeout"`
		SettleDelay        string `yaml:"settle_delay"`
		Headless           *bool  `yaml:"headless"`
		CaptureScreenshots bool   `yaml:"capture_screenshots"`
		StrictAllOrNothing *bool  `yaml:"strict_all_or_nothing"`
		BaselineSeed       int64  `yaml:"baseline_seed"`
		BaselineClicks     int    `yaml:"baseline_clicks"`
	} `yaml:"evaluator"`
}

// AgentSpec describes a remote agent endpoint in a config file.
type AgentSpec struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// Load reads a YAML benchmark configuration file.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &fc, nil
}

// Build converts the file configuration into a runnable Config, constructing
// HTTP agent clients for every agent spec.
func (fc *FileConfig) Build() (Config, error) {
	cfg := DefaultConfig()
	cfg.Projects = fc.Projects
	cfg.UseCachedTasks = fc.UseCachedTasks
	cfg.UseCachedSolutions = fc.UseCachedSolutions
	cfg.RecordGIF = fc.RecordGIF
	cfg.DemoWebsEndpoint = fc.DemoWebsEndpoint

	if fc.Runs > 0 {
		cfg.Runs = fc.Runs
	}
	if fc.MaxParallelAgentCalls > 0 {
		cfg.MaxParallelAgentCalls = fc.MaxParallelAgentCalls
	}
	if fc.SaveResultsJSON != nil {
		cfg.SaveResultsJSON = *fc.SaveResultsJSON
	}
	if fc.Mode != "" {
		cfg.Mode = EvaluatorMode(fc.Mode)
	}
	if fc.MaxStepsPerTask > 0 {
		cfg.MaxStepsPerTask = fc.MaxStepsPerTask
	}
	if fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if fc.TasksCacheDir != "" {
		cfg.TasksCacheDir = fc.TasksCacheDir
	}
	if fc.SolutionsCacheDir != "" {
		cfg.SolutionsCacheDir = fc.SolutionsCacheDir
	}
	if fc.RecordingsDir != "" {
		cfg.RecordingsDir = fc.RecordingsDir
	}

	if fc.Evaluator.ChunkSize > 0 {
		cfg.Evaluator.ChunkSize = fc.Evaluator.ChunkSize
	}
	if fc.Evaluator.ActionTimeout != "" {
		d, err := time.ParseDuration(fc.Evaluator.ActionTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid action_timeout: %w", err)
		}
		cfg.Evaluator.ActionTimeout = d
	}
	if fc.Evaluator.SettleDelay != "" {
		d, err := time.ParseDuration(fc.Evaluator.SettleDelay)
		if err != nil {
			return cfg, fmt.Errorf("invalid settle_delay: %w", err)
		}
		cfg.Evaluator.SettleDelay = d
	}
	if fc.Evaluator.Headless != nil {
		cfg.Evaluator.Headless = *fc.Evaluator.Headless
	}
	if fc.Evaluator.StrictAllOrNothing != nil {
		cfg.Evaluator.Aggregator.StrictAllOrNothing = *fc.Evaluator.StrictAllOrNothing
	}
	cfg.Evaluator.CaptureScreenshots = fc.Evaluator.CaptureScreenshots
	cfg.Evaluator.BaselineSeed = fc.Evaluator.BaselineSeed
	if fc.Evaluator.BaselineClicks > 0 {
		cfg.Evaluator.BaselineClicks = fc.Evaluator.BaselineClicks
	}

	rewriter := webagent.URLRewriter{DemoWebsEndpoint: cfg.DemoWebsEndpoint}
	for _, spec := range fc.Agents {
		opts := webagent.ApifiedOptions{
			BaseURL:  spec.BaseURL,
			ID:       spec.ID,
			Name:     spec.Name,
			Rewriter: rewriter,
		}
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil {
				return cfg, fmt.Errorf("invalid timeout for agent %s: %w", spec.Name, err)
			}
			opts.Timeout = d
		}
		agent, err := webagent.NewApifiedAgent(opts)
		if err != nil {
			return cfg, fmt.Errorf("failed to build agent %s: %w", spec.Name, err)
		}
		cfg.Agents = append(cfg.Agents, agent)
	}

	return cfg, cfg.Validate()
}

// Bootstrap loads environment defaults from .env files unless
// SKIP_APP_BOOTSTRAP is set (used by tests).
func Bootstrap() error {
	if skip := strings.ToLower(os.Getenv("SKIP_APP_BOOTSTRAP")); skip == "1" || skip == "true" || skip == "yes" {
		return nil
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
