package webagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/task"
)

func testTask() task.Task {
	return task.Task{ID: "t1", Prompt: "Buy a book", URL: "http://demo.local:8000/store"}
}

func TestSolveTaskParsesActions(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/solve_task", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_, _ = w.Write([]byte(`{
			"task_id": "t1",
			"web_agent_id": "remote-7",
			"actions": [
				{"type":"NavigateAction","url":"/store/cart"},
				{"type":"ClickAction","selector":{"type":"cssSelector","value":"#buy"}}
			]
		}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{
		BaseURL:  srv.URL,
		Name:     "Remote",
		Rewriter: URLRewriter{DemoWebsEndpoint: "http://demo-webs:9000"},
	})
	require.NoError(t, err)

	sol, err := agent.SolveTask(context.Background(), testTask())
	require.NoError(t, err)
	require.Len(t, sol.Actions, 2)

	// Outgoing URL was forced to localhost.
	assert.Equal(t, "http://localhost:8000/store", gotPayload["url"])

	// Returned navigate URL was anchored to the demo-webs endpoint.
	nav := sol.Actions[0].(action.Navigate)
	assert.Equal(t, "http://demo-webs:9000/store/cart", nav.URL)
	assert.Equal(t, "remote-7", sol.WebAgentID)
}

func TestSolveTaskPreservesUnknownActionTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[{"type":"FlyAction"},{"type":"ScrollAction","dx":0,"dy":300}]}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	sol, err := agent.SolveTask(context.Background(), testTask())
	require.NoError(t, err)
	require.Len(t, sol.Actions, 2)
	assert.Equal(t, action.Unknown{TypeName: "FlyAction"}, sol.Actions[0])
	assert.Equal(t, action.KindScroll, sol.Actions[1].Kind())
}

func TestSolveTaskRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"actions":[{"type":"NavigateAction","url":"http://x/"}]}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{BaseURL: srv.URL, MaxRetries: 2})
	require.NoError(t, err)

	sol, err := agent.SolveTask(context.Background(), testTask())
	require.NoError(t, err)
	assert.Len(t, sol.Actions, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestActFallsBackToStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/act" {
			http.NotFound(w, r)
			return
		}
		require.Equal(t, "/step", r.URL.Path)
		_, _ = w.Write([]byte(`{"action":{"type":"ClickAction","x":5,"y":7}}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	actions, err := agent.Act(context.Background(), State{Task: testTask(), URL: "http://x/", StepIndex: 0})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.KindClick, actions[0].Kind())
}

func TestActNavigateURLShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"navigate_url":"/books/42"}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{
		BaseURL:  srv.URL,
		Rewriter: URLRewriter{DemoWebsEndpoint: "demo-webs:9000"},
	})
	require.NoError(t, err)

	actions, err := agent.Act(context.Background(), State{Task: testTask()})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "http://demo-webs:9000/books/42", actions[0].(action.Navigate).URL)
}

func TestActEmptyReplyEndsEpisode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	agent, err := NewApifiedAgent(ApifiedOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	actions, err := agent.Act(context.Background(), State{Task: testTask()})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRandomClickerDeterministicForSeed(t *testing.T) {
	t1 := testTask()

	a := NewRandomClicker(RandomClickerOptions{Seed: 42, Clicks: 5})
	b := NewRandomClicker(RandomClickerOptions{Seed: 42, Clicks: 5})

	solA, err := a.SolveTask(context.Background(), t1)
	require.NoError(t, err)
	solB, err := b.SolveTask(context.Background(), t1)
	require.NoError(t, err)

	require.Len(t, solA.Actions, 5)
	for i := range solA.Actions {
		assert.Equal(t, solA.Actions[i].(action.Click).X, solB.Actions[i].(action.Click).X)
		assert.Equal(t, solA.Actions[i].(action.Click).Y, solB.Actions[i].(action.Click).Y)
	}
}

func TestURLRewriter(t *testing.T) {
	r := URLRewriter{DemoWebsEndpoint: "http://demo-webs:9000"}

	assert.Equal(t, "http://localhost:8000/a?b=1", r.ForceLocalhost("http://demo.local:8000/a?b=1"))
	assert.Equal(t, "", r.ForceLocalhost(""))

	assert.Equal(t, "http://demo-webs:9000/x", r.RewriteToRemote("/x"))
	assert.Equal(t, "http://demo-webs:9000/y", r.RewriteToRemote("http://localhost:1234/y"))
	assert.Equal(t, "http://demo-webs:9000/z", r.RewriteToRemote("z"))

	// No endpoint configured: pass-through.
	none := URLRewriter{}
	assert.Equal(t, "http://anywhere/p", none.RewriteToRemote("http://anywhere/p"))
}
