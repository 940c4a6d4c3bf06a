// Package ratelimit enforces per-key request budgets over a 60 second
// sliding window.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Window is the length of the sliding window every budget is measured over.
const Window = time.Minute

const (
	keyPrefix      = "rl:"
	localKeyPrefix = "rl:local:"
)

// Config describes one rate-limit check. It is built per request.
type Config struct {
	Key   string
	RPM   int
	Local bool
}

// namespacedKey returns the storage key for cfg.
func (c Config) namespacedKey() string {
	if c.Local {
		return localKeyPrefix + c.Key
	}
	return keyPrefix + c.Key
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Headers returns the rate-limit response headers for the decision.
func (d Decision) Headers() http.Header {
	h := make(http.Header, 4)
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		retryAfter := int(time.Until(d.Reset).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	return h
}

// Apply copies the decision headers onto w.
func (d Decision) Apply(w http.ResponseWriter) {
	for k, v := range d.Headers() {
		w.Header()[k] = v
	}
}

// Limiter checks and records one request against a budget.
type Limiter interface {
	Check(ctx context.Context, cfg Config) (Decision, error)
}

// allowAll is the fail-open decision.
func allowAll(cfg Config, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     cfg.RPM,
		Remaining: cfg.RPM,
		Reset:     now.Add(Window),
	}
}
