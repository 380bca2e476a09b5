package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leaser stops the dispatcher from publishing a task that is already in flight.
// It also holds the throttle marks of rate limited accounts.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Held(ctx context.Context, key string) (bool, error)
}

// LeaseKey is the lease name for one task.
func LeaseKey(taskID string) string {
	return "dispatch:" + taskID
}

// ThrottleKey marks an account whose budget is spent until the mark expires.
func ThrottleKey(accountID string) string {
	return "throttle:" + accountID
}

type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]time.Time
	Now    func() time.Time
}

func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{leases: make(map[string]time.Time), Now: time.Now}
}

func (l *MemoryLeaser) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	if until, ok := l.leases[key]; ok && now.Before(until) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLeaser) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.leases[key]
	return ok && l.Now().Before(until), nil
}

func (l *MemoryLeaser) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}

// RedisLeaser shares leases between dispatchers on different hosts.
type RedisLeaser struct {
	Rdb    redis.UniversalClient
	Prefix string
}

func (l *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Rdb.SetNX(ctx, l.Prefix+key, time.Now().UnixMilli(), ttl).Result()
}

func (l *RedisLeaser) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.Rdb.Exists(ctx, l.Prefix+key).Result()
	return n > 0, err
}

func (l *RedisLeaser) Release(ctx context.Context, key string) error {
	return l.Rdb.Del(ctx, l.Prefix+key).Err()
}

var (
	_ Leaser = (*MemoryLeaser)(nil)
	_ Leaser = (*RedisLeaser)(nil)
)
