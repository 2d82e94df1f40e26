package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers event keys for a bounded window.
type Dedup interface {
	// Claim returns true the first time key is seen within the window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a redelivery is processed again.
	Release(ctx context.Context, key string) error
}

// RedisDedup keeps the window in Redis with SET NX, shared by all replicas.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisDedup(client redis.UniversalClient, prefix string, window time.Duration) *RedisDedup {
	return &RedisDedup{client: client, prefix: prefix, window: window}
}

func (d *RedisDedup) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return ok, nil
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// MemoryDedup is a single-process Dedup for tests and single-node runs.
type MemoryDedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewMemoryDedup(window time.Duration) *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time), window: window, now: time.Now}
}

func (d *MemoryDedup) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.window)

	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	return true, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}
