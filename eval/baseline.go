package eval

import (
	"context"
	"sync"
)

// BaselineCache memoizes the random-clicker raw score per task for the
// lifetime of the process. It is read-mostly and safe for concurrent use;
// concurrent computes for the same task collapse into one.
type BaselineCache struct {
	mu      sync.Mutex
	entries map[string]*baselineEntry
}

type baselineEntry struct {
	once  sync.Once
	done  bool
	score float64
	err   error
}

// NewBaselineCache creates an empty cache.
func NewBaselineCache() *BaselineCache {
	return &BaselineCache{entries: make(map[string]*baselineEntry)}
}

// GetOrCompute returns the cached baseline for the task, computing it with
// compute on first use. Errors are cached too: a task whose baseline cannot
// be computed keeps reporting the same failure instead of re-running the
// browser on every solution.
func (c *BaselineCache) GetOrCompute(ctx context.Context, taskID string, compute func(context.Context) (float64, error)) (float64, error) {
	c.mu.Lock()
	entry, ok := c.entries[taskID]
	if !ok {
		entry = &baselineEntry{}
		c.entries[taskID] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		score, err := compute(ctx)

		c.mu.Lock()
		entry.score, entry.err = score, err
		entry.done = true
		c.mu.Unlock()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	return entry.score, entry.err
}

// Peek returns the cached score without computing, and whether a successful
// computation exists.
func (c *BaselineCache) Peek(taskID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[taskID]
	if !ok || !entry.done || entry.err != nil {
		return 0, false
	}
	return entry.score, true
}
