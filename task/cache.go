package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache persists generated tasks per project so repeated benchmark runs can
// skip the expensive generation phase. One JSON file per project under the
// cache directory; writes are atomic (temp file + rename).
type Cache struct {
	dir    string
	logger *slog.Logger
}

// cacheFile is the on-disk layout of a project's cached tasks.
type cacheFile struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Timestamp   time.Time `json:"timestamp"`
	Tasks       []Task    `json:"tasks"`
}

// NewCache creates a task cache rooted at dir, creating it when missing.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{dir: dir, logger: logger.With("component", "task_cache")}, nil
}

// Save stores the project's tasks, replacing any earlier cache entry.
func (c *Cache) Save(project Project, tasks []Task) error {
	payload := cacheFile{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Timestamp:   time.Now(),
		Tasks:       tasks,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task cache for %s: %w", project.Name, err)
	}

	path := c.path(project)
	tmp, err := os.CreateTemp(c.dir, ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp task cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close task cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task cache: %w", err)
	}

	c.logger.Info("tasks cached", "project", project.Name, "count", len(tasks), "path", path)
	return nil
}

// Load returns the cached tasks for the project, or nil when no usable cache
// exists. A cache file written for a different project is ignored.
func (c *Cache) Load(project Project) ([]Task, error) {
	path := c.path(project)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task cache %s: %w", path, err)
	}

	var payload cacheFile
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("corrupted task cache ignored", "path", path, "error", err)
		return nil, nil
	}

	if payload.ProjectID != project.ID && payload.ProjectName != project.Name {
		c.logger.Warn("task cache belongs to a different project", "path", path)
		return nil, nil
	}

	return payload.Tasks, nil
}

func (c *Cache) path(project Project) string {
	safe := strings.ToLower(strings.ReplaceAll(project.Name, " ", "_"))
	return filepath.Join(c.dir, safe+"_tasks.json")
}
