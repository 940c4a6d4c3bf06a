// Package lookup defines the read contracts the proxy consumes from the
// tenant store, and TTL caches over them.
package lookup

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Wildcard allows every target domain.
const Wildcard = "*"

// Application is a tenant's registered web property.
type Application struct {
	ID            string
	UserID        string
	OriginDomains []string
	TargetDomains []string
}

// AllowsTarget reports whether domain is in the target allowlist.
// Matching is exact; "*" allows everything.
func (a *Application) AllowsTarget(domain string) bool {
	for _, d := range a.TargetDomains {
		if d == Wildcard || d == domain {
			return true
		}
	}
	return false
}

// User is the tenant owning applications. It is read-only to the proxy.
type User struct {
	ID                    string
	SubscriptionActive    bool
	SubscriptionProductID string
	// TrialEndsAt is zero when the tenant never had a trial.
	TrialEndsAt time.Time
	APIKey      string
}

// TrialActive reports whether the trial is still running at now.
func (u *User) TrialActive(now time.Time) bool {
	return !u.TrialEndsAt.IsZero() && now.Before(u.TrialEndsAt)
}

// Usage is a month-to-date aggregate for one tenant.
type Usage struct {
	ReqCount int64
	Bytes    int64
}

// Directory resolves applications, tenants and usage.
type Directory interface {
	// Application looks up the application registered for an origin hostname.
	Application(ctx context.Context, originDomain string) (*Application, error)
	UserByAPIKey(ctx context.Context, apiKey string) (*User, error)
	User(ctx context.Context, userID string) (*User, error)
	MonthToDate(ctx context.Context, userID string) (Usage, error)
}

// SecretSource returns decrypted secret values for an application. Names
// without a stored secret are absent from the result.
type SecretSource interface {
	SecretsMap(ctx context.Context, names []string, applicationID string) (map[string]string, error)
}
