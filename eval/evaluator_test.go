package eval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/predicate"
	"github.com/zero-day-ai/webbench/solution"
	"github.com/zero-day-ai/webbench/task"
)

func urlTask(id, expected string) task.Task {
	return task.Task{
		ID:         id,
		Prompt:     "Reach the page",
		URL:        "http://x/",
		Predicates: []predicate.Predicate{&predicate.CheckURL{URL: expected}},
	}
}

func TestEmptySolutionScoresZero(t *testing.T) {
	b := newFakeBrowser()
	e := newTestEvaluator(b, DefaultConfig(), nil)

	res := e.EvaluateSingle(context.Background(), urlTask("t1", "/dashboard"), solution.TaskSolution{
		TaskID: "t1", WebAgentID: "a1",
	})

	assert.Zero(t, res.FinalScore)
	assert.Empty(t, res.ExecutionHistory)
	assert.Empty(t, res.TestResultsMatrix)
	assert.Zero(t, b.totalOpened(), "no browser context for empty solutions")
}

func TestSingleNavigateFullScore(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>home</body></html>"
	resetter := &fakeResetter{}
	e := newTestEvaluator(b, DefaultConfig(), resetter)

	res := e.EvaluateSingle(context.Background(), urlTask("t1", "/home"),
		navSolution("t1", "a1", "http://x/home"))

	require.Len(t, res.ExecutionHistory, 1)
	require.Len(t, res.TestResultsMatrix, 1)
	require.Len(t, res.TestResultsMatrix[0], 1)
	assert.True(t, res.TestResultsMatrix[0][0].Success)
	assert.Equal(t, 1.0, res.RawScore)
	assert.Equal(t, 1.0-res.RandomBaselineScore, res.FinalScore)
	assert.Equal(t, "http://x/home", res.ExecutionHistory[0].Snapshot.CurrentURL)

	// Backend isolation: agent and baseline clicker were each reset.
	assert.Contains(t, resetter.resets, "a1")
	assert.Contains(t, resetter.resets, "random-clicker-t1")
}

func TestAnyStepRule(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/login"] = "<html><body>login form</body></html>"
	b.pages["http://x/away"] = "<html><body>elsewhere</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	html, err := predicate.NewCheckHTML([]string{"logged in"})
	require.NoError(t, err)
	tk := task.Task{ID: "t3", Prompt: "Log in", URL: "http://x/", Predicates: []predicate.Predicate{html}}

	sol := solution.TaskSolution{TaskID: "t3", WebAgentID: "a1", Actions: []action.Action{
		action.Navigate{URL: "http://x/login"},
		action.Type{Selector: &action.Selector{Type: action.SelectorCSS, Value: "#u"}, Text: "Logged in as user"},
		action.Navigate{URL: "http://x/away"},
	}}

	res := e.EvaluateSingle(context.Background(), tk, sol)

	require.Len(t, res.TestResultsMatrix, 3)
	assert.False(t, res.TestResultsMatrix[0][0].Success)
	assert.True(t, res.TestResultsMatrix[1][0].Success, "predicate passes at the middle step")
	assert.False(t, res.TestResultsMatrix[2][0].Success, "agent navigated away")
	assert.Equal(t, 1.0, res.RawScore, "any-step rule: transient success counts")
}

func TestBatchDeduplication(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>home</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t4", "/home")
	solutions := []solution.TaskSolution{
		navSolution("t4", "agent-a", "http://x/home"),
		navSolution("t4", "agent-b", "http://x/home"),
	}

	results := e.EvaluateBatch(context.Background(), tk, solutions)

	require.Len(t, results, 2)
	assert.Equal(t, "agent-a", results[0].WebAgentID)
	assert.Equal(t, "agent-b", results[1].WebAgentID)
	assert.Equal(t, results[0].FinalScore, results[1].FinalScore)
	assert.Equal(t, results[0].RawScore, results[1].RawScore)

	// One context for the shared representative (agent-a), one for the
	// baseline clicker; agent-b never opened a browser.
	assert.Equal(t, 1, b.opened("agent-a"))
	assert.Equal(t, 0, b.opened("agent-b"))
	assert.Equal(t, 1, b.opened("random-clicker-t4"))
}

func TestTimeoutStopsExecution(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/1"] = "<html><body>1</body></html>"
	b.failAt = 2
	b.failKind = browser.ErrTimeout
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t5", "/1")
	sol := navSolution("t5", "a1", "http://x/1", "http://x/2", "http://x/3", "http://x/4", "http://x/5")

	res := e.EvaluateSingle(context.Background(), tk, sol)

	require.Len(t, res.ExecutionHistory, 3, "actions 4 and 5 are not executed")
	require.Len(t, res.TestResultsMatrix, 3)
	assert.Equal(t, 1.0, res.RawScore, "predicate satisfied at step 0 still passes")
	assert.Equal(t, browser.ErrTimeout, res.ExecutionHistory[2].Error.Kind)
}

func TestSelectorNotFoundContinues(t *testing.T) {
	b := newFakeBrowser()
	b.failAt = 0
	b.failKind = browser.ErrSelectorNotFound
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t5b", "/never")
	sol := navSolution("t5b", "a1", "http://x/1", "http://x/2")

	res := e.EvaluateSingle(context.Background(), tk, sol)
	require.Len(t, res.ExecutionHistory, 2, "non-fatal error keeps the pipeline running")
	assert.False(t, res.ExecutionHistory[0].SuccessfullyExecuted)
	assert.True(t, res.ExecutionHistory[1].SuccessfullyExecuted)
}

func TestRealWebExcludesBackendFamily(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>Welcome</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	html, err := predicate.NewCheckHTML([]string{"Welcome"})
	require.NoError(t, err)
	tk := task.Task{
		ID: "t6", Prompt: "Log in", URL: "http://x/", IsRealWeb: true,
		Predicates: []predicate.Predicate{
			&predicate.CheckEvent{EventName: "login"},
			html,
		},
	}

	res := e.EvaluateSingle(context.Background(), tk, navSolution("t6", "a1", "http://x/home"))

	require.Len(t, res.TestResultsMatrix, 1)
	assert.Len(t, res.TestResultsMatrix[0], 1, "backend predicate excluded from the matrix")
	assert.Equal(t, 1.0, res.RawScore, "denominator is 1: score depends only on the DOM")
}

func TestBaselineSubtraction(t *testing.T) {
	b := newFakeBrowser()
	// The random clicker stays on the initial page, which satisfies one of
	// the three keywords; the agent reaches a page satisfying all three.
	b.initialHTML = "<html><body>alpha</body></html>"
	b.pages["http://x/done"] = "<html><body>alpha beta gamma</body></html>"

	cfg := DefaultConfig()
	e := newTestEvaluator(b, cfg, nil)

	kw := func(word string) predicate.Predicate {
		p, err := predicate.NewCheckHTML([]string{word})
		require.NoError(t, err)
		return p
	}
	tk := task.Task{ID: "t7", Prompt: "Finish", URL: "http://x/",
		Predicates: []predicate.Predicate{kw("alpha"), kw("beta"), kw("gamma")}}

	res := e.EvaluateSingle(context.Background(), tk, navSolution("t7", "a1", "http://x/done"))

	assert.InDelta(t, 1.0/3.0, res.RandomBaselineScore, 1e-9)
	assert.Equal(t, 1.0, res.RawScore)
	assert.InDelta(t, 2.0/3.0, res.FinalScore, 1e-9)
}

func TestBaselineCachedAcrossSolutions(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>home</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t8", "/home")
	first := e.EvaluateSingle(context.Background(), tk, navSolution("t8", "a1", "http://x/home"))
	second := e.EvaluateSingle(context.Background(), tk, navSolution("t8", "a2", "http://x/home"))

	assert.Equal(t, first.RawScore, second.RawScore)
	assert.Equal(t, first.RandomBaselineScore, second.RandomBaselineScore)
	assert.Equal(t, 1, b.opened("random-clicker-t8"), "baseline computed once per task")
}

func TestEvaluateBatchDeterministic(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>home</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t9", "/home")
	solutions := []solution.TaskSolution{navSolution("t9", "a1", "http://x/home")}

	first := e.EvaluateBatch(context.Background(), tk, solutions)
	second := e.EvaluateBatch(context.Background(), tk, solutions)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].RawScore, second[0].RawScore)
	assert.Equal(t, first[0].FinalScore, second[0].FinalScore)
}

func TestBatchMixedEmptyAndRealSolutions(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/home"] = "<html><body>home</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t10", "/home")
	results := e.EvaluateBatch(context.Background(), tk, []solution.TaskSolution{
		{TaskID: "t10", WebAgentID: "empty-agent"},
		navSolution("t10", "a1", "http://x/home"),
	})

	require.Len(t, results, 2)
	assert.Zero(t, results[0].FinalScore)
	assert.Empty(t, results[0].ExecutionHistory)
	assert.Equal(t, 1.0, results[1].RawScore)
}

func TestPlaceholderSubstitutedBeforeExecution(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/user/a1"] = "<html><body>profile</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t11", "/user/a1")
	sol := navSolution("t11", "a1", "http://x/user/<web_agent_id>")

	res := e.EvaluateSingle(context.Background(), tk, sol)

	require.Len(t, res.ExecutionHistory, 1)
	snapshotAction := string(res.ExecutionHistory[0].Snapshot.Action)
	assert.NotContains(t, snapshotAction, action.AgentIDPlaceholder,
		"the placeholder never reaches the executor")
	assert.Equal(t, 1.0, res.RawScore)
}

func TestSnapshotChaining(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/1"] = "<html><body>one</body></html>"
	b.pages["http://x/2"] = "<html><body>two</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	res := e.EvaluateSingle(context.Background(), urlTask("t12", "/2"),
		navSolution("t12", "a1", "http://x/1", "http://x/2"))

	require.Len(t, res.ExecutionHistory, 2)
	for i, step := range res.ExecutionHistory {
		assert.Equal(t, i, step.Snapshot.Iteration)
	}
	assert.Equal(t,
		res.ExecutionHistory[0].Snapshot.CurrentHTML,
		res.ExecutionHistory[1].Snapshot.PrevHTML)
}

func TestBackendEventPredicateEndToEnd(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/buy"] = "<html><body>bought</body></html>"
	b.eventsByURL["http://x/buy"] = []backend.Event{
		{Type: "purchase", Data: map[string]any{"item": "book", "total": 12.5}},
	}
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := task.Task{ID: "t13", Prompt: "Buy a book", URL: "http://x/",
		Predicates: []predicate.Predicate{
			&predicate.CheckEvent{
				EventName: "purchase",
				Criteria:  map[string]predicate.Criterion{"item": {Value: "book"}},
			},
		}}

	res := e.EvaluateSingle(context.Background(), tk, navSolution("t13", "a1", "http://x/buy"))
	assert.Equal(t, 1.0, res.RawScore)
}

func TestUnknownActionSkippedNotExecuted(t *testing.T) {
	b := newFakeBrowser()
	b.pages["http://x/1"] = "<html><body>one</body></html>"
	b.pages["http://x/2"] = "<html><body>two</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	tk := urlTask("t15", "/2")
	sol := solution.TaskSolution{TaskID: "t15", WebAgentID: "a1", Actions: []action.Action{
		action.Navigate{URL: "http://x/1"},
		action.Unknown{TypeName: "TeleportAction"},
		action.Navigate{URL: "http://x/2"},
	}}

	res := e.EvaluateSingle(context.Background(), tk, sol)

	require.Len(t, res.ExecutionHistory, 3, "remaining actions proceed past the unknown one")
	skipped := res.ExecutionHistory[1]
	require.NotNil(t, skipped.Error)
	assert.Equal(t, browser.ErrInternal, skipped.Error.Kind)
	assert.False(t, skipped.SuccessfullyExecuted)
	assert.Equal(t, "http://x/1", skipped.Snapshot.CurrentURL, "skipped step reflects unchanged state")
	assert.Equal(t, 1.0, res.RawScore, "the final navigate still satisfies the predicate")
}

func TestScoreAlwaysInUnitInterval(t *testing.T) {
	b := newFakeBrowser()
	// Baseline passes everything the agent passes: final must clamp at 0.
	b.initialHTML = "<html><body>alpha</body></html>"
	b.pages["http://x/p"] = "<html><body>nothing here</body></html>"
	e := newTestEvaluator(b, DefaultConfig(), nil)

	p, err := predicate.NewCheckHTML([]string{"alpha"})
	require.NoError(t, err)
	tk := task.Task{ID: "t14", Prompt: "x", URL: "http://x/", Predicates: []predicate.Predicate{p}}

	res := e.EvaluateSingle(context.Background(), tk, navSolution("t14", "a1", "http://x/p"))
	assert.GreaterOrEqual(t, res.FinalScore, 0.0)
	assert.LessOrEqual(t, res.FinalScore, 1.0)
}
