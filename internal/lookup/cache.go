package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// entry is a cached lookup result. found is false for negative entries.
type entry[V any] struct {
	value V
	found bool
}

// ttlCache is an expiring LRU that collapses concurrent misses per key.
type ttlCache[V any] struct {
	name     string
	lru      *expirable.LRU[string, entry[V]]
	group    singleflight.Group
	negative bool
	observe  func(cache string, hit bool)
}

func newTTLCache[V any](name string, size int, ttl time.Duration, negative bool) *ttlCache[V] {
	if size <= 0 {
		size = 1000
	}
	return &ttlCache[V]{
		name:     name,
		lru:      expirable.NewLRU[string, entry[V]](size, nil, ttl),
		negative: negative,
	}
}

func (c *ttlCache[V]) get(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	if e, ok := c.lru.Get(key); ok {
		c.record(true)
		if !e.found {
			return zero, ErrNotFound
		}
		return e.value, nil
	}
	c.record(false)

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := fetch(ctx)
		if errors.Is(err, ErrNotFound) {
			if c.negative {
				c.lru.Add(key, entry[V]{})
			}
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, entry[V]{value: val, found: true})
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(V), nil
}

func (c *ttlCache[V]) remove(key string) {
	c.group.Forget(key)
	c.lru.Remove(key)
}

func (c *ttlCache[V]) record(hit bool) {
	if c.observe != nil {
		c.observe(c.name, hit)
	}
}

// CacheConfig sizes the lookup caches.
type CacheConfig struct {
	Size           int
	ApplicationTTL time.Duration
	UserTTL        time.Duration
	APIKeyTTL      time.Duration
	UsageTTL       time.Duration
}

// Cached is a Directory with per-entity TTL caches in front of another
// Directory. Unknown applications and API keys are cached negatively.
type Cached struct {
	dir   Directory
	apps  *ttlCache[*Application]
	keys  *ttlCache[*User]
	users *ttlCache[*User]
	usage *ttlCache[Usage]
}

var _ Directory = (*Cached)(nil)

// NewCached wraps dir with caches.
func NewCached(dir Directory, cfg CacheConfig) *Cached {
	return &Cached{
		dir:   dir,
		apps:  newTTLCache[*Application]("application", cfg.Size, cfg.ApplicationTTL, true),
		keys:  newTTLCache[*User]("apikey", cfg.Size, cfg.APIKeyTTL, true),
		users: newTTLCache[*User]("user", cfg.Size, cfg.UserTTL, false),
		usage: newTTLCache[Usage]("usage", cfg.Size, cfg.UsageTTL, false),
	}
}

// SetObserver registers a hit/miss callback for every cache.
func (c *Cached) SetObserver(fn func(cache string, hit bool)) {
	c.apps.observe = fn
	c.keys.observe = fn
	c.users.observe = fn
	c.usage.observe = fn
}

func (c *Cached) Application(ctx context.Context, originDomain string) (*Application, error) {
	return c.apps.get(ctx, originDomain, func(ctx context.Context) (*Application, error) {
		return c.dir.Application(ctx, originDomain)
	})
}

func (c *Cached) UserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	return c.keys.get(ctx, apiKey, func(ctx context.Context) (*User, error) {
		return c.dir.UserByAPIKey(ctx, apiKey)
	})
}

func (c *Cached) User(ctx context.Context, userID string) (*User, error) {
	return c.users.get(ctx, userID, func(ctx context.Context) (*User, error) {
		return c.dir.User(ctx, userID)
	})
}

func (c *Cached) MonthToDate(ctx context.Context, userID string) (Usage, error) {
	return c.usage.get(ctx, userID, func(ctx context.Context) (Usage, error) {
		return c.dir.MonthToDate(ctx, userID)
	})
}

// InvalidateApplication evicts the application cached for an origin domain.
func (c *Cached) InvalidateApplication(originDomain string) {
	c.apps.remove(originDomain)
}

// InvalidateAPIKey evicts a cached API key, positive or negative.
func (c *Cached) InvalidateAPIKey(apiKey string) {
	c.keys.remove(apiKey)
}

// InvalidateUser evicts a cached tenant.
func (c *Cached) InvalidateUser(userID string) {
	c.users.remove(userID)
}
