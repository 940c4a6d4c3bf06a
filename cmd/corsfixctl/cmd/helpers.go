package cmd

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/config"
	"github.com/corsfix/proxy/internal/logging"
	"github.com/corsfix/proxy/internal/store"
)

// errNoKey is returned by commands that need the real store key.
var errNoKey = errors.New("store.encryption_key is not configured")

// env is what a command works against.
type env struct {
	cfg    *config.Config
	store  *store.Store
	bus    bus.Bus
	hasKey bool
	closeF []func() error
}

// openBus is replaced in tests.
var openBus = func(ctx context.Context, cfg *config.Config) (bus.Bus, func() error, error) {
	switch cfg.Bus.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b := bus.NewRedisBus(client)
		return b, func() error { return errors.Join(b.Close(), client.Close()) }, nil
	case "pubsub":
		b, err := bus.NewCloudBus(ctx, cfg.Bus.URLPrefix, cfg.Bus.SubscriptionURLPrefix)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return bus.Nop{}, func() error { return nil }, nil
	}
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg}
	var key []byte
	if cfg.Store.EncryptionKey == "" {
		// Lookups and non-secret writes still work; sealing does not.
		key = make([]byte, 32)
		rand.Read(key)
	} else {
		if key, err = store.ParseKey(cfg.Store.EncryptionKey); err != nil {
			return nil, err
		}
		e.hasKey = true
	}

	st, err := store.Open(cfg.Store.Path, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.store = st
	e.closeF = append(e.closeF, st.Close)

	b, closeBus, err := openBus(ctx, cfg)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to open bus: %w", err)
	}
	e.bus = b
	e.closeF = append(e.closeF, closeBus)
	return e, nil
}

func (e *env) close() error {
	var errs []error
	for i := len(e.closeF) - 1; i >= 0; i-- {
		errs = append(errs, e.closeF[i]())
	}
	return errors.Join(errs...)
}

// announce publishes payloads on channel. A failed publish is reported but
// does not fail the command: the change is already committed and caches
// expire on their own.
func (e *env) announce(ctx context.Context, w io.Writer, channel string, payloads ...string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range payloads {
		if p == "" {
			continue
		}
		if err := e.bus.Publish(ctx, channel, p); err != nil {
			logging.Warn("invalidation publish failed",
				zap.String("channel", channel),
				zap.String("payload", p),
				zap.Error(err),
			)
			fmt.Fprintf(w, "warning: could not announce %s %s: %v\n", channel, p, err)
		}
	}
}

// withEnv opens the environment for the duration of fn.
func withEnv(ctx context.Context, fn func(*env) error) (err error) {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()
	return fn(e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
