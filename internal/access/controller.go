// Package access decides whether a validated request may reach its target
// and at what rate.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corsfix/proxy/internal/config"
	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/lookup"
	"github.com/corsfix/proxy/internal/ratelimit"
	"github.com/corsfix/proxy/internal/request"
)

// Config holds the plan policy.
type Config struct {
	Mode        string
	SelfHostRPM int
	TrialRPM    int
	TrialBytes  int64
	LocalRPM    int
}

// ConfigFrom builds the policy from loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Mode:        cfg.Plans.Mode,
		SelfHostRPM: cfg.Plans.SelfHostRPM,
		TrialRPM:    cfg.Plans.TrialRPM,
		TrialBytes:  cfg.Plans.TrialBytes,
		LocalRPM:    cfg.Proxy.LocalRPM,
	}
}

// Controller resolves the caller's tenant, its plan and rate limit.
type Controller struct {
	cfg      Config
	dir      lookup.Directory
	limiter  ratelimit.Limiter
	local    *LocalMatcher
	products *Products
	now      func() time.Time
}

// NewController creates a controller. dir is normally a *lookup.Cached.
func NewController(cfg Config, dir lookup.Directory, limiter ratelimit.Limiter, local *LocalMatcher, products *Products) *Controller {
	if cfg.LocalRPM <= 0 {
		cfg.LocalRPM = 60
	}
	return &Controller{
		cfg:      cfg,
		dir:      dir,
		limiter:  limiter,
		local:    local,
		products: products,
		now:      time.Now,
	}
}

// Authorize fills rc with the resolved identity and consults the limiter.
// The returned decision carries rate-limit headers whenever the limiter was
// called, including when the request is rejected.
func (c *Controller) Authorize(ctx context.Context, rc *request.Context) (*ratelimit.Decision, error) {
	if !rc.IsAPIKeyRequest && c.local.IsLocal(rc.OriginDomain) {
		rc.Local = true
		return c.limit(ctx, ratelimit.Config{Key: rc.ClientIP, RPM: c.cfg.LocalRPM, Local: true})
	}

	user, err := c.resolveUser(ctx, rc)
	if err != nil {
		return nil, err
	}
	rc.UserID = user.ID

	rpm, keyByUser, err := c.quota(ctx, user)
	if err != nil {
		return nil, err
	}

	key := rc.ClientIP
	if keyByUser {
		key = user.ID
	}
	return c.limit(ctx, ratelimit.Config{Key: key, RPM: rpm})
}

// resolveUser finds the tenant by API key, or by application and target
// allowlist.
func (c *Controller) resolveUser(ctx context.Context, rc *request.Context) (*lookup.User, error) {
	if rc.IsAPIKeyRequest {
		user, err := c.dir.UserByAPIKey(ctx, rc.APIKey)
		if err != nil {
			return nil, lookupError(err, cferrors.InvalidAPIKey)
		}
		return user, nil
	}

	app, err := c.dir.Application(ctx, rc.OriginDomain)
	if err != nil {
		return nil, withDomain(lookupError(err, cferrors.DomainNotRegistered), rc.OriginDomain)
	}
	if !app.AllowsTarget(rc.TargetDomain) {
		return nil, cferrors.New(cferrors.TargetNotAllowed).WithDomain(rc.TargetDomain)
	}
	rc.ApplicationID = app.ID

	user, err := c.dir.User(ctx, app.UserID)
	if err != nil {
		return nil, lookupError(err, cferrors.UserNotFound)
	}
	return user, nil
}

// quota returns the tenant's rpm and whether the limit is keyed by tenant.
func (c *Controller) quota(ctx context.Context, user *lookup.User) (int, bool, error) {
	switch {
	case c.cfg.Mode == config.ModeSelfHost:
		return c.cfg.SelfHostRPM, false, nil

	case user.SubscriptionActive && user.SubscriptionProductID != "":
		prod, ok := c.products.Get(user.SubscriptionProductID)
		if !ok {
			return 0, false, cferrors.Wrap(fmt.Errorf("unknown product %q", user.SubscriptionProductID), cferrors.InvalidSubscription)
		}
		return prod.RPM, prod.RateLimitKey == config.RateLimitKeyUserID, nil

	case user.TrialActive(c.now()):
		usage, err := c.dir.MonthToDate(ctx, user.ID)
		if err != nil {
			return 0, false, cferrors.Wrap(err, cferrors.UnknownError)
		}
		if usage.Bytes >= c.cfg.TrialBytes {
			return 0, false, cferrors.New(cferrors.TrialLimitReached)
		}
		return c.cfg.TrialRPM, false, nil
	}
	return 0, false, cferrors.New(cferrors.TrialExpired)
}

func (c *Controller) limit(ctx context.Context, cfg ratelimit.Config) (*ratelimit.Decision, error) {
	d, err := c.limiter.Check(ctx, cfg)
	if err != nil {
		return nil, cferrors.Wrap(err, cferrors.UnknownError)
	}
	if !d.Allowed {
		return &d, cferrors.New(cferrors.RateLimited)
	}
	return &d, nil
}

// lookupError maps a missing record to notFound and anything else to
// unknown_error.
func lookupError(err error, notFound cferrors.Kind) *cferrors.Error {
	if errors.Is(err, lookup.ErrNotFound) {
		return cferrors.Wrap(err, notFound)
	}
	return cferrors.Wrap(err, cferrors.UnknownError)
}

func withDomain(e *cferrors.Error, domain string) *cferrors.Error {
	if e.Kind == cferrors.DomainNotRegistered {
		return e.WithDomain(domain)
	}
	return e
}
