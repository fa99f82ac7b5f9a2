package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Liveness records when the dispatcher last completed a cycle.
type Liveness interface {
	MarkDispatched(ctx context.Context, at time.Time) error
	// LastDispatch returns the zero time when no cycle has completed yet.
	LastDispatch(ctx context.Context) (time.Time, error)
}

// MemoryLiveness is process-local.
type MemoryLiveness struct {
	mu   sync.RWMutex
	last time.Time
}

func NewMemoryLiveness() *MemoryLiveness { return &MemoryLiveness{} }

func (m *MemoryLiveness) MarkDispatched(_ context.Context, at time.Time) error {
	m.mu.Lock()
	m.last = at
	m.mu.Unlock()
	return nil
}

func (m *MemoryLiveness) LastDispatch(context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

// DefaultLivenessKey is where RedisLiveness stores the timestamp.
const DefaultLivenessKey = "outbox:last_dispatch"

// RedisLiveness shares the timestamp between the dispatcher and API processes.
type RedisLiveness struct {
	rdb *redis.Client
	key string
}

func NewRedisLiveness(rdb *redis.Client, key string) *RedisLiveness {
	if key == "" {
		key = DefaultLivenessKey
	}
	return &RedisLiveness{rdb: rdb, key: key}
}

func (r *RedisLiveness) MarkDispatched(ctx context.Context, at time.Time) error {
	return r.rdb.Set(ctx, r.key, at.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (r *RedisLiveness) LastDispatch(ctx context.Context) (time.Time, error) {
	str, err := r.rdb.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, str)
}

// Health is the dispatcher status reported by /healthz.
type Health struct {
	Healthy      bool       `json:"healthy"`
	LastDispatch *time.Time `json:"lastDispatch,omitempty"`
	StaleAfter   string     `json:"staleAfter"`
}

// CheckHealth reports unhealthy when no cycle finished within staleAfter of now.
func CheckHealth(ctx context.Context, l Liveness, now time.Time, staleAfter time.Duration) (Health, error) {
	h := Health{StaleAfter: staleAfter.String()}
	last, err := l.LastDispatch(ctx)
	if err != nil {
		return h, err
	}
	if last.IsZero() {
		return h, nil
	}
	h.LastDispatch = &last
	h.Healthy = now.Sub(last) <= staleAfter
	return h, nil
}
