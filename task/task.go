// Package task defines the benchmark task model: a natural-language prompt
// paired with machine-checkable success predicates, plus the web project a
// task runs against and the per-project task cache.
package task

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/zero-day-ai/webbench/predicate"
)

// Project is the immutable description of one target web application:
// the frontend the browser drives and the backend whose event log the
// backend predicates query.
type Project struct {
	// ID uniquely identifies the project (e.g. "autobooks").
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable project name.
	Name string `json:"name" yaml:"name"`

	// FrontendURL is the root of the web application under test.
	FrontendURL string `json:"frontend_url" yaml:"frontend_url"`

	// BackendURL is the root of the event bookkeeping API.
	BackendURL string `json:"backend_url" yaml:"backend_url"`

	// IsRealWeb marks projects without an instrumented backend. Backend
	// predicates are suppressed and judge predicates enabled for their tasks.
	IsRealWeb bool `json:"is_real_web" yaml:"is_real_web"`

	// Events lists the backend event types this project can emit.
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
}

// Validate checks the project description is usable.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if p.FrontendURL == "" {
		return fmt.Errorf("project %s: frontend URL is required", p.Name)
	}
	if !p.IsRealWeb && p.BackendURL == "" {
		return fmt.Errorf("project %s: backend URL is required for instrumented projects", p.Name)
	}
	return nil
}

// Task is one benchmark case. Tasks are immutable after construction and
// consumed read-only by the evaluation core.
type Task struct {
	// ID uniquely identifies the task.
	ID string `json:"id"`

	// Prompt is the natural-language instruction given to the agent.
	Prompt string `json:"prompt"`

	// URL is the page the task starts at.
	URL string `json:"url"`

	// Predicates are the success tests, serialized under "tests" with a
	// type discriminator per entry.
	Predicates []predicate.Predicate `json:"-"`

	// WebProjectID identifies the project this task belongs to.
	WebProjectID string `json:"web_project_id,omitempty"`

	// UseCase optionally tags the scenario this task exercises.
	UseCase string `json:"use_case,omitempty"`

	// RelevantData carries credentials, seeds and other data the agent may
	// need to complete the task.
	RelevantData map[string]any `json:"relevant_data,omitempty"`

	// IsRealWeb disables backend-family predicates and enables LLM-judge
	// predicates for this task.
	IsRealWeb bool `json:"is_real_web"`

	// ShouldRecord asks the evaluator to attach a GIF recording of the run.
	ShouldRecord bool `json:"should_record,omitempty"`
}

// New creates a task with a generated id.
func New(prompt, url string, predicates []predicate.Predicate) Task {
	return Task{
		ID:         uuid.New().String(),
		Prompt:     prompt,
		URL:        url,
		Predicates: predicates,
	}
}

// Validate checks the task is well formed.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("task %s: prompt is required", t.ID)
	}
	if t.URL == "" {
		return fmt.Errorf("task %s: start URL is required", t.ID)
	}
	return nil
}

// PromptWithRelevantData appends the relevant-data map to the prompt when
// present, matching what agents receive on the wire.
func (t *Task) PromptWithRelevantData() string {
	if len(t.RelevantData) == 0 {
		return t.Prompt
	}
	data, err := json.Marshal(t.RelevantData)
	if err != nil {
		return t.Prompt
	}
	return fmt.Sprintf("%s Using the relevant data: %s", t.Prompt, data)
}

// taskWire is the serialized form of a Task; predicates travel under "tests".
type taskWire struct {
	ID           string          `json:"id"`
	Prompt       string          `json:"prompt"`
	URL          string          `json:"url"`
	Tests        json.RawMessage `json:"tests,omitempty"`
	WebProjectID string          `json:"web_project_id,omitempty"`
	UseCase      string          `json:"use_case,omitempty"`
	RelevantData map[string]any  `json:"relevant_data,omitempty"`
	IsRealWeb    bool            `json:"is_real_web"`
	ShouldRecord bool            `json:"should_record,omitempty"`
}

// MarshalJSON serializes the task with its tagged predicate list.
func (t Task) MarshalJSON() ([]byte, error) {
	tests, err := predicate.MarshalList(t.Predicates)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return json.Marshal(taskWire{
		ID:           t.ID,
		Prompt:       t.Prompt,
		URL:          t.URL,
		Tests:        tests,
		WebProjectID: t.WebProjectID,
		UseCase:      t.UseCase,
		RelevantData: t.RelevantData,
		IsRealWeb:    t.IsRealWeb,
		ShouldRecord: t.ShouldRecord,
	})
}

// UnmarshalJSON restores the task and its tagged predicate list.
func (t *Task) UnmarshalJSON(data []byte) error {
	var wire taskWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var predicates []predicate.Predicate
	if len(wire.Tests) > 0 {
		var err error
		predicates, err = predicate.ParseList(wire.Tests)
		if err != nil {
			return fmt.Errorf("task %s: %w", wire.ID, err)
		}
	}

	*t = Task{
		ID:           wire.ID,
		Prompt:       wire.Prompt,
		URL:          wire.URL,
		Predicates:   predicates,
		WebProjectID: wire.WebProjectID,
		UseCase:      wire.UseCase,
		RelevantData: wire.RelevantData,
		IsRealWeb:    wire.IsRealWeb,
		ShouldRecord: wire.ShouldRecord,
	}
	return nil
}
