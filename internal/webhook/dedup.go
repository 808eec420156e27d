package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore records webhook deliveries that have been accepted. Claim
// is atomic: exactly one caller wins a key until it expires or is released.
type DedupStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDedup shares claims across instances.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup builds a Redis backed dedup store.
func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client, prefix: "webhook:v1:"}
}

func (d *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// MemoryDedup is a bounded, time-limited claim set for single instances.
type MemoryDedup struct {
	mu      sync.Mutex
	max     int
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDedup keeps at most max live claims.
func NewMemoryDedup(max int) *MemoryDedup {
	if max <= 0 {
		max = 10_000
	}
	return &MemoryDedup{max: max, entries: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	if len(d.entries) >= d.max {
		d.evictLocked(now)
	}
	d.entries[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	return nil
}

// evictLocked drops expired claims, then the one closest to expiry if the
// set is still full.
func (d *MemoryDedup) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, k)
			continue
		}
		if oldestKey == "" || exp.Before(oldest) {
			oldestKey, oldest = k, exp
		}
	}
	if len(d.entries) >= d.max && oldestKey != "" {
		delete(d.entries, oldestKey)
	}
}
