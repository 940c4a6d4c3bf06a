package ratelimit

import (
	"context"
	"sync"
	"time"
)

// requestLog holds the timestamps of admitted requests inside the window,
// oldest first.
type requestLog struct {
	hits     []time.Time
	lastUsed time.Time
}

// prune drops hits at or before cutoff.
func (l *requestLog) prune(cutoff time.Time) {
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.hits = append(l.hits[:0], l.hits[i:]...)
	}
}

// MemoryLimiter is an in-process sliding window log with the same semantics
// as the Redis script. It suits single-instance deployments.
type MemoryLimiter struct {
	logs       *shardedMap[*requestLog]
	now        func() time.Time
	cleanupInt time.Duration
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithCleanupInterval sets how often idle keys are evicted.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) { m.cleanupInt = d }
}

// NewMemoryLimiter creates an in-memory limiter and starts its cleanup loop.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		logs:       newShardedMap[*requestLog](),
		now:        time.Now,
		cleanupInt: 5 * time.Minute,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()

	return m
}

// Check records a request for cfg.Key if the budget allows it.
func (m *MemoryLimiter) Check(_ context.Context, cfg Config) (Decision, error) {
	now := m.now()
	key := cfg.namespacedKey()

	s := m.logs.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.items[key]
	if !ok {
		l = &requestLog{}
		s.items[key] = l
	}
	l.prune(now.Add(-Window))
	l.lastUsed = now

	d := Decision{Limit: cfg.RPM}
	if len(l.hits) < cfg.RPM {
		l.hits = append(l.hits, now)
		d.Allowed = true
		d.Remaining = cfg.RPM - len(l.hits)
	}
	if len(l.hits) > 0 {
		d.Reset = l.hits[0].Add(Window)
	} else {
		d.Reset = now.Add(Window)
	}
	return d, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	return m.logs.len()
}

// Close stops the cleanup loop.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// cleanup removes idle keys periodically.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(m.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	now := m.now()
	m.logs.deleteFunc(func(_ string, l *requestLog) bool {
		return now.Sub(l.lastUsed) > Window
	})
}
