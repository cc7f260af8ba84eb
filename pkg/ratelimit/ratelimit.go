// Package ratelimit implements the cooldown-based Rate-Limit Store (spec
// C9). Unlike the teacher's token-bucket limiter (pkg/kernel/limiter.go),
// this store tracks a single last-sent timestamp per key and compares it
// against a cooldown window, per spec §4.9. The atomic file-backed
// persistence follows the same write-temp-then-rename discipline as the
// evidence writer; the optional Redis backend generalizes the teacher's
// pkg/kernel/limiter_redis.go Lua-script approach to the simpler
// get/set-last-sent operation this store needs.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store is the persistence interface C9 needs.
type Store interface {
	GetLastSent(ctx context.Context, key string) (int64, bool, error)
	SetLastSent(ctx context.Context, key string, nowMs int64) error
}

// Evaluation is the result of evaluate_rate_limit.
type Evaluation struct {
	Allowed     bool
	RemainingMs int64
}

// Evaluate implements `allowed = (last_sent_ms is null) ∨ (now_ms −
// last_sent_ms ≥ cooldown_ms)`.
func Evaluate(nowMs int64, cooldownMs int64, lastSentMs int64, hasLastSent bool) Evaluation {
	if !hasLastSent {
		return Evaluation{Allowed: true}
	}
	elapsed := nowMs - lastSentMs
	if elapsed >= cooldownMs {
		return Evaluation{Allowed: true}
	}
	return Evaluation{Allowed: false, RemainingMs: cooldownMs - elapsed}
}

// Key derives the rate-limit key from a destination host + path (no
// query) and an optional driver id, per spec §4.9.
func Key(host, path, driverID string) string {
	if driverID == "" {
		return host + path
	}
	return host + path + "|" + driverID
}

// FileStore is a single JSON file, `{key: last_sent_ms}`, written atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]int64
}

// NewFileStore loads (or initializes) the rate-limit store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: map[string]int64{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("ratelimit: read store: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("ratelimit: decode store: %w", err)
	}
	return s, nil
}

func (s *FileStore) GetLastSent(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *FileStore) SetLastSent(_ context.Context, key string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = nowMs
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ratelimit: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("ratelimit: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ratelimit: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ratelimit: commit rename: %w", err)
	}
	return nil
}

// RedisStore backs the rate-limit store with Redis, letting it be shared
// across multiple agent processes instead of a single host's filesystem.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client; prefix namespaces keys (e.g.
// "mova:ratelimit:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) GetLastSent(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ratelimit: redis get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) SetLastSent(ctx context.Context, key string, nowMs int64) error {
	if err := s.client.Set(ctx, s.prefix+key, nowMs, 0).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis set: %w", err)
	}
	return nil
}
