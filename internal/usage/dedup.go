package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently counted keys.
type Deduper interface {
	// Seen marks key for ttl and reports whether it was already marked.
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisDeduper shares marks across instances with an atomic SET ... GET.
type RedisDeduper struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper. Calls are bounded by
// timeout.
func NewRedisDeduper(client redis.Cmdable, timeout time.Duration) *RedisDeduper {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisDeduper{client: client, timeout: timeout}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.client.SetArgs(ctx, key, "1", redis.SetArgs{TTL: ttl, Get: true}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryDeduper is a bounded in-process deduper with per-key expiry.
type MemoryDeduper struct {
	mu    sync.Mutex
	marks *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewMemoryDeduper creates a deduper holding at most size keys.
func NewMemoryDeduper(size int) *MemoryDeduper {
	if size <= 0 {
		size = 100000
	}
	marks, _ := lru.New[string, time.Time](size)
	return &MemoryDeduper{marks: marks, now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	expires, ok := d.marks.Get(key)
	seen := ok && now.Before(expires)
	d.marks.Add(key, now.Add(ttl))
	return seen, nil
}
