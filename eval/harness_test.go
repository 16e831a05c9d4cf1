package eval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
)

// fakeBrowser manufactures scriptable in-memory executors and records how
// many contexts were opened per agent, so tests can assert the dedup and
// isolation protocols.
type fakeBrowser struct {
	mu sync.Mutex

	// pages maps URL → DOM served on navigation.
	pages map[string]string

	// initialHTML is the DOM before any navigation.
	initialHTML string

	// eventsByURL maps URL → events the backend "emits" when it is reached.
	eventsByURL map[string][]backend.Event

	// failAt/failKind inject a step failure at the given 0-based index
	// (-1 disables).
	failAt   int
	failKind browser.ErrorKind

	// contextsOpened counts executor contexts per agent id.
	contextsOpened map[string]int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages:          map[string]string{},
		eventsByURL:    map[string][]backend.Event{},
		failAt:         -1,
		contextsOpened: map[string]int{},
	}
}

func (b *fakeBrowser) factory() browser.Factory {
	return func(_ context.Context, agentID string) (browser.Executor, error) {
		b.mu.Lock()
		b.contextsOpened[agentID]++
		b.mu.Unlock()
		return &fakeExecutor{owner: b, agentID: agentID, html: b.initialHTML}, nil
	}
}

func (b *fakeBrowser) opened(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contextsOpened[agentID]
}

func (b *fakeBrowser) totalOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.contextsOpened {
		total += n
	}
	return total
}

// fakeExecutor simulates a browser session over the owner's page map.
type fakeExecutor struct {
	owner   *fakeBrowser
	agentID string
	url     string
	html    string
	closed  bool
}

func (e *fakeExecutor) Execute(_ context.Context, a action.Action, stepIndex int) browser.ActionResult {
	snapshot := browser.Snapshot{
		Iteration: stepIndex,
		PrevHTML:  e.html,
		Timestamp: time.Now(),
	}
	if data, err := action.Marshal(a); err == nil {
		snapshot.Action = data
	}

	if e.owner.failAt == stepIndex {
		snapshot.CurrentURL = e.url
		snapshot.CurrentHTML = e.html
		return browser.ActionResult{
			Snapshot:      snapshot,
			ExecutionTime: time.Millisecond,
			Error:         browser.NewExecutionError(e.owner.failKind, "injected failure at step %d", stepIndex),
		}
	}

	switch act := a.(type) {
	case action.Navigate:
		e.url = act.URL
		if html, ok := e.owner.pages[act.URL]; ok {
			e.html = html
		} else {
			e.html = "<html><body>not found</body></html>"
		}
		snapshot.BackendEvents = e.owner.eventsByURL[act.URL]
	case action.Type:
		// Typing appends the text so HTML predicates can observe it.
		e.html = strings.Replace(e.html, "</body>", act.Text+"</body>", 1)
	default:
		// Clicks, scrolls and waits leave the fake page unchanged.
	}

	snapshot.CurrentURL = e.url
	snapshot.CurrentHTML = e.html
	return browser.ActionResult{
		Snapshot:             snapshot,
		SuccessfullyExecuted: true,
		ExecutionTime:        time.Millisecond,
	}
}

func (e *fakeExecutor) Close() error {
	e.closed = true
	return nil
}

// fakeResetter records backend resets per agent.
type fakeResetter struct {
	mu     sync.Mutex
	resets []string
}

func (r *fakeResetter) Reset(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, agentID)
	return nil
}

func navSolution(taskID, agentID string, urls ...string) solution.TaskSolution {
	actions := make([]action.Action, len(urls))
	for i, u := range urls {
		actions[i] = action.Navigate{URL: u}
	}
	return solution.TaskSolution{TaskID: taskID, WebAgentID: agentID, Actions: actions}
}

func testProject() task.Project {
	return task.Project{
		ID:          "autobooks",
		Name:        "Autobooks",
		FrontendURL: "http://localhost:8000",
		BackendURL:  "http://localhost:8080",
	}
}

func newTestEvaluator(b *fakeBrowser, cfg Config, resetter BackendResetter) *ConcurrentEvaluator {
	e, err := NewConcurrentEvaluator(testProject(), cfg, Options{
		Factory: b.factory(),
		Backend: resetter,
	})
	if err != nil {
		panic(err)
	}
	return e
}
