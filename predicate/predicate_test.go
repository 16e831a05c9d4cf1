package predicate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
)

func snapCtx(snap browser.Snapshot) EvalContext {
	return EvalContext{Snapshot: &snap, History: []browser.Snapshot{snap}, Iteration: snap.Iteration}
}

func TestCheckURLSubstringMatch(t *testing.T) {
	p := &CheckURL{URL: "/dashboard"}

	hit := p.Evaluate(context.Background(), snapCtx(browser.Snapshot{CurrentURL: "http://x/dashboard?tab=1"}))
	assert.True(t, hit.Success)

	miss := p.Evaluate(context.Background(), snapCtx(browser.Snapshot{CurrentURL: "http://x/login"}))
	assert.False(t, miss.Success)
}

func TestCheckHTMLAnyKeywordCaseInsensitive(t *testing.T) {
	p, err := NewCheckHTML([]string{"  Logged In ", "welcome"})
	require.NoError(t, err)
	assert.Equal(t, []string{"logged in", "welcome"}, p.Keywords)

	hit := p.Evaluate(context.Background(), snapCtx(browser.Snapshot{CurrentHTML: "<p>LOGGED IN as user</p>"}))
	assert.True(t, hit.Success)

	miss := p.Evaluate(context.Background(), snapCtx(browser.Snapshot{CurrentHTML: "<p>goodbye</p>"}))
	assert.False(t, miss.Success)
}

func TestCheckHTMLRejectsEmptyKeywords(t *testing.T) {
	_, err := NewCheckHTML(nil)
	assert.Error(t, err)

	_, err = NewCheckHTML([]string{"ok", "   "})
	assert.Error(t, err)

	_, err = Parse([]byte(`{"type":"FindInHtmlTest","keywords":[]}`))
	assert.Error(t, err)
}

func TestCheckEventTypeAndCriteria(t *testing.T) {
	p := &CheckEvent{
		EventName: "book_added",
		Criteria: map[string]Criterion{
			"author": {Operator: OpContains, Value: "john"},
			"year":   {Operator: OpLessThan, Value: 1994},
		},
	}

	snap := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: "book_added", Data: map[string]any{"author": "John Irving", "year": float64(1990)}},
	}}
	assert.True(t, p.Evaluate(context.Background(), snapCtx(snap)).Success)

	// Same event type, criteria violated.
	late := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: "book_added", Data: map[string]any{"author": "John Irving", "year": float64(2001)}},
	}}
	assert.False(t, p.Evaluate(context.Background(), snapCtx(late)).Success)

	// Different event type entirely.
	other := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: "book_removed", Data: map[string]any{"author": "John Irving"}},
	}}
	assert.False(t, p.Evaluate(context.Background(), snapCtx(other)).Success)
}

func TestCriterionOperators(t *testing.T) {
	tests := []struct {
		name      string
		criterion Criterion
		actual    any
		want      bool
	}{
		{"default equals", Criterion{Value: "a"}, "a", true},
		{"equals numeric string", Criterion{Value: 5}, "5", true},
		{"not_equals", Criterion{Operator: OpNotEquals, Value: "a"}, "b", true},
		{"contains", Criterion{Operator: OpContains, Value: "Stell"}, "Interestellar", true},
		{"not_contains", Criterion{Operator: OpNotContains, Value: "xyz"}, "Interestellar", true},
		{"greater_than", Criterion{Operator: OpGreaterThan, Value: 10}, float64(11), true},
		{"greater_equal boundary", Criterion{Operator: OpGreaterEqual, Value: 10}, float64(10), true},
		{"less_equal", Criterion{Operator: OpLessEqual, Value: 10}, float64(11), false},
		{"in_list", Criterion{Operator: OpInList, Value: []any{"a", "b"}}, "b", true},
		{"in_list non-list fails closed", Criterion{Operator: OpInList, Value: "a"}, "a", false},
		{"not_in_list", Criterion{Operator: OpNotInList, Value: []any{float64(2022), float64(2023)}}, float64(1999), true},
		{"not_in_list member", Criterion{Operator: OpNotInList, Value: []any{float64(2022)}}, float64(2022), false},
		{"unknown operator fails closed", Criterion{Operator: "matches_vibe", Value: "a"}, "a", false},
		{"numeric op on non-numeric fails closed", Criterion{Operator: OpGreaterThan, Value: 10}, "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criterion.Matches(tt.actual))
		})
	}
}

func TestCheckEventExpression(t *testing.T) {
	p := &CheckEvent{
		EventName:  "purchase",
		Expression: `event.total > 100.0 && event.currency == "EUR"`,
	}

	hit := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: "purchase", Data: map[string]any{"total": 150.0, "currency": "EUR"}},
	}}
	assert.True(t, p.Evaluate(context.Background(), snapCtx(hit)).Success)

	miss := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: "purchase", Data: map[string]any{"total": 50.0, "currency": "EUR"}},
	}}
	assert.False(t, p.Evaluate(context.Background(), snapCtx(miss)).Success)
}

func TestCheckEventExpressionCompileErrorFailsClosed(t *testing.T) {
	p := &CheckEvent{EventName: "purchase", Expression: "((("}
	snap := browser.Snapshot{BackendEvents: []backend.Event{{Type: "purchase"}}}
	assert.False(t, p.Evaluate(context.Background(), snapCtx(snap)).Success)
}

func TestCheckPageView(t *testing.T) {
	p := &CheckPageView{PageViewURL: "/books/"}

	hit := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: backend.PageViewEventType, Data: map[string]any{"url": "/books/42"}},
	}}
	assert.True(t, p.Evaluate(context.Background(), snapCtx(hit)).Success)

	miss := browser.Snapshot{BackendEvents: []backend.Event{
		{Type: backend.PageViewEventType, Data: map[string]any{"url": "/authors/1"}},
	}}
	assert.False(t, p.Evaluate(context.Background(), snapCtx(miss)).Success)
}

func TestFamilyEnablement(t *testing.T) {
	backendPred := &CheckEvent{EventName: "login"}
	assert.True(t, backendPred.Enabled(false))
	assert.False(t, backendPred.Enabled(true))

	judge := &JudgeHTML{SuccessCriteria: "cart updated"}
	assert.False(t, judge.Enabled(false))
	assert.True(t, judge.Enabled(true))

	url := &CheckURL{URL: "/x"}
	assert.True(t, url.Enabled(false))
	assert.True(t, url.Enabled(true))
}

// flakyJudge fails its first call and succeeds on the retry.
type flakyJudge struct {
	calls int
}

func (j *flakyJudge) JudgeHTML(_ context.Context, _, _, _, _ string) (bool, error) {
	j.calls++
	if j.calls == 1 {
		return false, errors.New("transient network error")
	}
	return true, nil
}

func (j *flakyJudge) JudgeScreenshot(_ context.Context, _, _, _ string) (bool, error) {
	j.calls++
	return false, errors.New("still down")
}

func TestJudgeHTMLRetriesOnce(t *testing.T) {
	judge := &flakyJudge{}
	p := &JudgeHTML{SuccessCriteria: "form submitted"}

	ec := snapCtx(browser.Snapshot{Iteration: 1, PrevHTML: "<a>", CurrentHTML: "<b>"})
	ec.Judge = judge

	res := p.Evaluate(context.Background(), ec)
	assert.True(t, res.Success)
	assert.Equal(t, 2, judge.calls)
}

func TestJudgeScreenshotExhaustionFailsClosed(t *testing.T) {
	judge := &flakyJudge{}
	p := &JudgeScreenshot{SuccessCriteria: "modal closed"}

	ec := snapCtx(browser.Snapshot{Iteration: 1, ScreenshotBefore: "aaaa", ScreenshotAfter: "bbbb"})
	ec.Judge = judge

	res := p.Evaluate(context.Background(), ec)
	assert.False(t, res.Success)
	assert.Equal(t, 2, judge.calls)
}

func TestParseListRoundTrip(t *testing.T) {
	data := []byte(`[
		{"type":"CheckUrlTest","url":"/home"},
		{"type":"CheckEventTest","event_name":"login","event_criteria":{"user":{"value":"bob"}}},
		{"type":"FindInHtmlTest","keywords":["Welcome"]}
	]`)

	predicates, err := ParseList(data)
	require.NoError(t, err)
	require.Len(t, predicates, 3)
	assert.Equal(t, TypeCheckURL, predicates[0].Type())
	assert.Equal(t, TypeCheckEvent, predicates[1].Type())
	assert.Equal(t, TypeCheckHTML, predicates[2].Type())

	out, err := MarshalList(predicates)
	require.NoError(t, err)

	again, err := ParseList(out)
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.Equal(t, predicates[0], again[0])
}

func TestParseUnknownPredicateType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"CheckVibesTest"}`))
	assert.Error(t, err)
}
