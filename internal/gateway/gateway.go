// Package gateway assembles the proxy from configuration and serves it.
package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/access"
	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/config"
	"github.com/corsfix/proxy/internal/logging"
	"github.com/corsfix/proxy/internal/lookup"
	"github.com/corsfix/proxy/internal/metrics"
	"github.com/corsfix/proxy/internal/middleware"
	"github.com/corsfix/proxy/internal/proxy"
	"github.com/corsfix/proxy/internal/ratelimit"
	"github.com/corsfix/proxy/internal/secrets"
	"github.com/corsfix/proxy/internal/store"
	"github.com/corsfix/proxy/internal/transform"
	"github.com/corsfix/proxy/internal/upstream"
	"github.com/corsfix/proxy/internal/usage"
	"github.com/corsfix/proxy/internal/validation"
)

// Gateway owns every long-lived component of one proxy instance.
type Gateway struct {
	config *config.Config

	store      *store.Store
	redis      *redis.Client
	limiter    ratelimit.Limiter
	directory  *lookup.Cached
	dispatcher *upstream.Dispatcher
	usage      *usage.Collector
	bus        bus.Bus
	products   *access.Products
	watcher    *config.ProductsWatcher
	metrics    *metrics.Collector

	handler   http.Handler
	subCancel context.CancelFunc
}

// New builds a gateway from cfg. Components are closed again if a later
// step fails.
func New(cfg *config.Config) (g *Gateway, err error) {
	g = &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
	}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	if err := g.initStore(); err != nil {
		return nil, err
	}
	g.initRedis()
	if err := g.initProducts(); err != nil {
		return nil, err
	}

	g.directory = lookup.NewCached(g.store, lookup.CacheConfig{
		Size:           cfg.Caches.Size,
		ApplicationTTL: cfg.Caches.ApplicationTTL,
		UserTTL:        cfg.Caches.UserTTL,
		APIKeyTTL:      cfg.Caches.APIKeyTTL,
		UsageTTL:       cfg.Caches.UsageTTL,
	})
	g.directory.SetObserver(g.metrics.RecordCacheLookup)

	g.initLimiter()
	g.initUsage()

	if err := g.initDispatcher(); err != nil {
		return nil, err
	}
	if err := g.initBus(); err != nil {
		return nil, err
	}

	g.handler = g.buildHandler()
	return g, nil
}

func (g *Gateway) initStore() error {
	var key []byte
	if g.config.Store.EncryptionKey == "" {
		key = make([]byte, 32)
		rand.Read(key)
		logging.Warn("store.encryption_key not set; using an ephemeral key, stored secrets will not survive a restart")
	} else {
		var err error
		if key, err = store.ParseKey(g.config.Store.EncryptionKey); err != nil {
			return err
		}
	}

	st, err := store.Open(g.config.Store.Path, key)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	g.store = st
	logging.Info("Store opened", zap.String("path", g.config.Store.Path))
	return nil
}

func (g *Gateway) initRedis() {
	rc := g.config.Redis
	if rc.Address == "" {
		return
	}
	g.redis = redis.NewClient(&redis.Options{
		Addr:         rc.Address,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  rc.Timeout,
		WriteTimeout: rc.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.redis.Ping(ctx).Err(); err != nil {
		// Limiter and dedup fail open, so keep going.
		logging.Warn("Redis not reachable at startup", zap.String("address", rc.Address), zap.Error(err))
	}
}

func (g *Gateway) initProducts() error {
	plans := g.config.Plans
	g.products = access.NewProducts(plans.Products)
	if plans.ProductsFile == "" {
		return nil
	}

	w, err := config.NewProductsWatcher(plans.ProductsFile)
	if err != nil {
		return fmt.Errorf("failed to load products file: %w", err)
	}
	g.watcher = w
	g.products.Set(w.Products())
	w.OnChange(func(products []config.ProductConfig) {
		g.products.Set(products)
		logging.Info("Products reloaded", zap.Int("count", len(products)))
	})
	return w.Start()
}

func (g *Gateway) initLimiter() {
	if g.redis == nil {
		g.limiter = ratelimit.NewMemoryLimiter()
		return
	}
	rl := ratelimit.NewRedisLimiter(ratelimit.RedisLimiterConfig{
		Client:      g.redis,
		Timeout:     g.config.Redis.Timeout,
		MaxFailures: g.config.Redis.Breaker.MaxFailures,
		OpenTimeout: g.config.Redis.Breaker.OpenTimeout,
	})
	g.metrics.RegisterBreaker(rl.State)
	g.limiter = rl
}

func (g *Gateway) initUsage() {
	var dedup usage.Deduper
	if g.redis != nil {
		dedup = usage.NewRedisDeduper(g.redis, g.config.Redis.Timeout)
	} else {
		dedup = usage.NewMemoryDeduper(g.config.Usage.DedupSize)
	}
	g.usage = usage.NewCollector(usage.Config{
		BatchSize:     g.config.Usage.BatchSize,
		FlushInterval: g.config.Usage.FlushInterval,
		QueueSize:     g.config.Usage.QueueSize,
	}, g.store, dedup)
	g.metrics.RegisterUsage(g.usage.Stats)
}

func (g *Gateway) initDispatcher() error {
	sentinel, err := SentinelURL(g.config)
	if err != nil {
		return err
	}
	d, err := upstream.NewDispatcher(upstream.Config{
		SentinelURL:  sentinel,
		Timeout:      g.config.Proxy.UpstreamTimeout,
		MaxRedirects: g.config.Proxy.MaxRedirects,
		OnBlocked: func(u *url.URL) {
			g.metrics.RecordBlocked()
			logging.Warn("Blocked upstream destination", zap.String("host", u.Host))
		},
	})
	if err != nil {
		return err
	}
	g.dispatcher = d
	return nil
}

func (g *Gateway) initBus() error {
	ctx := context.Background()
	switch g.config.Bus.Driver {
	case "redis":
		g.bus = bus.NewRedisBus(g.redis)
	case "pubsub":
		b, err := bus.NewCloudBus(ctx, g.config.Bus.URLPrefix, g.config.Bus.SubscriptionURLPrefix)
		if err != nil {
			return err
		}
		g.bus = b
	default:
		g.bus = bus.Nop{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	g.subCancel = cancel
	if err := bus.Subscribe(subCtx, g.bus, g.directory, g.metrics.RecordBusMessage); err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	return nil
}

func (g *Gateway) buildHandler() http.Handler {
	cfg := g.config
	p := proxy.New(proxy.Config{
		Validators: validation.NewChain(validation.Config{
			MaxRequestBytes: cfg.Proxy.MaxRequestBytes,
			MarketingURL:    cfg.Proxy.MarketingURL,
		}),
		Access: access.NewController(
			access.ConfigFrom(cfg),
			g.directory,
			g.limiter,
			access.NewLocalMatcher(cfg.Proxy.LocalDomains),
			g.products,
		),
		Secrets:         secrets.NewResolver(g.store),
		Dispatcher:      g.dispatcher,
		Transformers:    transform.NewSet(cfg.Proxy.MaxResponseBytes, cfg.Proxy.TextOnly),
		Usage:           g.usage,
		Observer:        g.metrics,
		MaxRequestBytes: cfg.Proxy.MaxRequestBytes,
		ClientIPHeader:  cfg.Proxy.ClientIPHeader,
	})

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Quiet: !cfg.Logging.AccessLog,
			OnComplete: func(_ *http.Request, status string, code int, _ int64, d time.Duration) {
				g.metrics.RecordRequest(status, code, d)
			},
		}),
		middleware.Recovery(),
	)
	return routes(chain.Then(p))
}

// routes answers the fixed endpoints and sends everything else to the
// proxy. A ServeMux would clean the "//" inside embedded target URLs.
func routes(proxyHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/up":
			w.Header().Set("X-Robots-Tag", "noindex, nofollow")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		case "/error":
			w.Header().Set("X-Robots-Tag", "noindex, nofollow")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Bad Request"))
		default:
			proxyHandler.ServeHTTP(w, r)
		}
	})
}

// SentinelURL returns proxy.sentinel_url, or the /error endpoint of this
// instance on the loopback address.
func SentinelURL(cfg *config.Config) (string, error) {
	if cfg.Proxy.SentinelURL != "" {
		return cfg.Proxy.SentinelURL, nil
	}
	_, port, err := net.SplitHostPort(cfg.Listen.Address)
	if err != nil {
		return "", fmt.Errorf("listen.address %q: %w", cfg.Listen.Address, err)
	}
	return "http://" + net.JoinHostPort("127.0.0.1", port) + "/error", nil
}

// Handler returns the public HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Metrics returns the operational metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Directory returns the cached tenant directory.
func (g *Gateway) Directory() *lookup.Cached {
	return g.directory
}

// Ready reports whether the store answers and, when configured, Redis.
func (g *Gateway) Ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close flushes pending usage and releases every component.
func (g *Gateway) Close() error {
	var errs []error

	if g.subCancel != nil {
		g.subCancel()
	}
	if g.bus != nil {
		errs = append(errs, g.bus.Close())
	}
	if g.watcher != nil {
		errs = append(errs, g.watcher.Stop())
	}
	if g.usage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, g.usage.Close(ctx))
		cancel()
	}
	if m, ok := g.limiter.(*ratelimit.MemoryLimiter); ok {
		errs = append(errs, m.Close())
	}
	if g.dispatcher != nil {
		g.dispatcher.Close()
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	return errors.Join(errs...)
}
