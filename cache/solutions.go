// Package cache provides content-addressed persistence for agent solutions
// so identical work is not re-done across benchmark runs. Two backends share
// one interface: a consolidated JSON file for single-host runs and a redis
// store for fleets of benchmark processes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zero-day-ai/webbench/solution"
)

// SolutionRecord wraps a cached solution with its provenance.
type SolutionRecord struct {
	// AgentID identifies the agent that produced the solution.
	AgentID string `json:"agent_id"`

	// AgentName is the human-readable agent name at save time.
	AgentName string `json:"agent_name"`

	// Timestamp is the save time as a Unix epoch in seconds.
	Timestamp float64 `json:"timestamp"`

	// Solution is the cached action sequence.
	Solution solution.TaskSolution `json:"solution"`
}

// SolutionStore is the contract both cache backends implement. Presence of a
// record does not guarantee freshness; callers opt in via configuration.
type SolutionStore interface {
	// Save stores or replaces the solution for (task, agent).
	Save(ctx context.Context, sol solution.TaskSolution, agentName string) error

	// Load returns the cached solution for (task, agent), or nil when absent.
	Load(ctx context.Context, taskID, agentID string) (*solution.TaskSolution, error)

	// Exists reports whether a record is present for (task, agent).
	Exists(ctx context.Context, taskID, agentID string) (bool, error)

	// Clear removes every cached solution.
	Clear(ctx context.Context) error
}

// fileLayout is the consolidated cache file: task id → agent id → record.
type fileLayout map[string]map[string]SolutionRecord

// FileStore keeps all solutions in a single solutions.json under the cache
// directory. Writes serialize through a per-process lock and land atomically
// via temp file + rename; a corrupted file degrades to an empty cache.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileStore creates the cache directory when missing and returns a store
// writing to <dir>/solutions.json.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create solution cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   filepath.Join(dir, "solutions.json"),
		logger: logger.With("component", "solution_cache"),
	}, nil
}

// Save stores the solution under (task, agent).
func (s *FileStore) Save(_ context.Context, sol solution.TaskSolution, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache := s.read()
	if cache[sol.TaskID] == nil {
		cache[sol.TaskID] = make(map[string]SolutionRecord)
	}
	cache[sol.TaskID][sol.WebAgentID] = SolutionRecord{
		AgentID:   sol.WebAgentID,
		AgentName: agentName,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Solution:  sol,
	}
	return s.write(cache)
}

// Load returns the cached solution for (task, agent), or nil when absent.
func (s *FileStore) Load(_ context.Context, taskID, agentID string) (*solution.TaskSolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.read()[taskID][agentID]
	if !ok {
		return nil, nil
	}
	sol := record.Solution
	return &sol, nil
}

// Exists reports whether a record is present for (task, agent).
func (s *FileStore) Exists(_ context.Context, taskID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.read()[taskID][agentID]
	return ok, nil
}

// Clear truncates the cache to an empty map.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(fileLayout{})
}

// TaskIDs returns every task id present in the cache.
func (s *FileStore) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache := s.read()
	ids := make([]string, 0, len(cache))
	for id := range cache {
		ids = append(ids, id)
	}
	return ids
}

// read loads the cache file; any read or decode failure degrades to an empty
// cache so a corrupted file is never fatal.
func (s *FileStore) read() fileLayout {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read solution cache", "error", err)
		}
		return fileLayout{}
	}

	var cache fileLayout
	if err := json.Unmarshal(data, &cache); err != nil {
		s.logger.Warn("corrupted solution cache, starting fresh", "error", err)
		return fileLayout{}
	}
	if cache == nil {
		cache = fileLayout{}
	}
	return cache
}

// write serializes the cache to a temp file and renames it into place.
func (s *FileStore) write(cache fileLayout) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal solution cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".solutions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write solution cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close solution cache: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace solution cache: %w", err)
	}
	return nil
}
