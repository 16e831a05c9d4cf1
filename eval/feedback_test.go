package eval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/webbench/browser"
	"github.com/zero-day-ai/webbench/predicate"
	"github.com/zero-day-ai/webbench/task"
)

func stepWith(success bool, duration time.Duration) browser.ActionResult {
	return browser.ActionResult{SuccessfullyExecuted: success, ExecutionTime: duration}
}

func row(results ...bool) []predicate.Result {
	out := make([]predicate.Result, len(results))
	for i, r := range results {
		out[i] = predicate.Result{Success: r}
	}
	return out
}

func TestAggregateStrictAllOrNothing(t *testing.T) {
	tk := task.Task{Prompt: "p"}
	active := []predicate.Predicate{&predicate.CheckURL{URL: "/a"}, &predicate.CheckURL{URL: "/b"}}
	history := []browser.ActionResult{stepWith(true, time.Second)}
	cfg := AggregatorConfig{StrictAllOrNothing: true}

	partial := Aggregate(tk, history, [][]predicate.Result{row(true, false)}, active, 0, cfg)
	assert.Zero(t, partial.RawScore, "strict mode gives no partial credit")
	assert.Equal(t, 1, partial.PassedTests)
	assert.Equal(t, 1, partial.FailedTests)

	full := Aggregate(tk, history, [][]predicate.Result{row(true, true)}, active, 0, cfg)
	assert.Equal(t, 1.0, full.RawScore)
}

func TestAggregatePartialCredit(t *testing.T) {
	tk := task.Task{Prompt: "p"}
	active := []predicate.Predicate{&predicate.CheckURL{URL: "/a"}, &predicate.CheckURL{URL: "/b"}}
	history := []browser.ActionResult{stepWith(true, time.Second)}
	cfg := AggregatorConfig{StrictAllOrNothing: false}

	fb := Aggregate(tk, history, [][]predicate.Result{row(true, false)}, active, 0, cfg)
	assert.Equal(t, 0.5, fb.RawScore)
}

func TestAggregateEmptyPredicates(t *testing.T) {
	fb := Aggregate(task.Task{Prompt: "p"}, nil, nil, nil, 0, AggregatorConfig{StrictAllOrNothing: true})
	assert.Zero(t, fb.RawScore)
	assert.True(t, fb.NoPredicates)
	assert.Contains(t, fb.ToText(), "no predicates")
}

func TestAggregateBaselineClamp(t *testing.T) {
	tk := task.Task{Prompt: "p"}
	active := []predicate.Predicate{&predicate.CheckURL{URL: "/a"}}
	history := []browser.ActionResult{stepWith(true, time.Second)}

	fb := Aggregate(tk, history, [][]predicate.Result{row(false)}, active, 0.4, AggregatorConfig{})
	assert.Zero(t, fb.FinalScore, "negative raw minus baseline clamps at zero")

	fb = Aggregate(tk, history, [][]predicate.Result{row(true)}, active, 0.4, AggregatorConfig{StrictAllOrNothing: true})
	assert.InDelta(t, 0.6, fb.FinalScore, 1e-9)
}

func TestAggregateCountsActions(t *testing.T) {
	tk := task.Task{Prompt: "p"}
	history := []browser.ActionResult{
		stepWith(true, time.Second),
		stepWith(false, 2*time.Second),
		stepWith(true, time.Second),
	}

	fb := Aggregate(tk, history, nil, nil, 0, AggregatorConfig{})
	assert.Equal(t, 2, fb.ExecutedActions)
	assert.Equal(t, 1, fb.FailedActions)
	assert.Equal(t, 4*time.Second, fb.TotalExecutionTime)
}

func TestCriticalFailures(t *testing.T) {
	active := []predicate.Predicate{
		&predicate.CheckEvent{EventName: "login"},
		&predicate.CheckURL{URL: "/x"},
		&predicate.CheckEvent{EventName: "purchase"},
	}
	matrix := [][]predicate.Result{row(false, true, true)}

	fb := Aggregate(task.Task{Prompt: "p"}, []browser.ActionResult{stepWith(true, 0)}, matrix, active, 0, AggregatorConfig{})
	assert.Equal(t, 1, fb.CriticalFailures, "only the never-passed backend event counts")
}

func TestTimePenalty(t *testing.T) {
	// Under the expected envelope: no penalty.
	assert.Zero(t, timePenalty(40*time.Second, 3))

	// 60s total, 3 actions → expected 50s, 10s extra → 2 full 5s units → 1.0.
	assert.Equal(t, 1.0, timePenalty(60*time.Second, 3))

	// 20 actions → expected 100s.
	assert.Zero(t, timePenalty(90*time.Second, 20))
	assert.Equal(t, 0.5, timePenalty(106*time.Second, 20))
}

func TestBaselineCacheSingleCompute(t *testing.T) {
	cache := NewBaselineCache()
	var computes atomic.Int32

	compute := func(context.Context) (float64, error) {
		computes.Add(1)
		return 0.25, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			score, err := cache.GetOrCompute(context.Background(), "t1", compute)
			assert.NoError(t, err)
			assert.Equal(t, 0.25, score)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load(), "concurrent computes collapse into one")

	score, ok := cache.Peek("t1")
	require.True(t, ok)
	assert.Equal(t, 0.25, score)
}

func TestBaselineCacheCachesErrors(t *testing.T) {
	cache := NewBaselineCache()
	var computes atomic.Int32

	compute := func(context.Context) (float64, error) {
		computes.Add(1)
		return 0, errors.New("browser exploded")
	}

	_, err := cache.GetOrCompute(context.Background(), "t1", compute)
	require.Error(t, err)
	_, err = cache.GetOrCompute(context.Background(), "t1", compute)
	require.Error(t, err)

	assert.Equal(t, int32(1), computes.Load())

	_, ok := cache.Peek("t1")
	assert.False(t, ok)
}
