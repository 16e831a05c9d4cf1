package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/webbench/solution"
)

// RedisOptions configures the redis-backed solution store.
type RedisOptions struct {
	// URL is the redis connection string (e.g. "redis://localhost:6379").
	URL string

	// KeyPrefix namespaces the cache keys. Defaults to "webbench".
	KeyPrefix string

	// TTL expires cached solutions after the given duration. Zero keeps
	// them forever.
	TTL time.Duration

	// ConnectTimeout bounds connection establishment. Defaults to 5s.
	ConnectTimeout time.Duration
}

// RedisStore implements SolutionStore on redis hashes, one hash per task
// (field = agent id, value = the JSON record). It lets several benchmark
// processes share one solution cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redis and verifies the connection with a ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "webbench"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}, nil
}

// Save stores the solution record in the task's hash.
func (s *RedisStore) Save(ctx context.Context, sol solution.TaskSolution, agentName string) error {
	record := SolutionRecord{
		AgentID:   sol.WebAgentID,
		AgentName: agentName,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Solution:  sol,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal solution record: %w", err)
	}

	key := s.taskKey(sol.TaskID)
	if err := s.client.HSet(ctx, key, sol.WebAgentID, data).Err(); err != nil {
		return fmt.Errorf("failed to store solution for task %s: %w", sol.TaskID, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set TTL on %s: %w", key, err)
		}
	}
	return nil
}

// Load returns the cached solution for (task, agent), or nil when absent.
func (s *RedisStore) Load(ctx context.Context, taskID, agentID string) (*solution.TaskSolution, error) {
	data, err := s.client.HGet(ctx, s.taskKey(taskID), agentID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load solution for task %s: %w", taskID, err)
	}

	var record SolutionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode solution record: %w", err)
	}
	sol := record.Solution
	return &sol, nil
}

// Exists reports whether a record is present for (task, agent).
func (s *RedisStore) Exists(ctx context.Context, taskID, agentID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.taskKey(taskID), agentID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check solution for task %s: %w", taskID, err)
	}
	return ok, nil
}

// Clear removes every cached solution under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":solutions:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan solution keys: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) taskKey(taskID string) string {
	return fmt.Sprintf("%s:solutions:%s", s.prefix, taskID)
}
