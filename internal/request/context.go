// Package request holds the per-request state threaded through the proxy
// pipeline and the parsers that populate it.
package request

import (
	"net/url"
	"time"
)

// OriginDomainAPIKey is the origin domain recorded for API-key requests that
// carry no Origin header.
const OriginDomainAPIKey = "api-key"

// Context is created when a request is parsed, populated by each pipeline
// stage and discarded when the response completes. It is owned by the
// request's goroutine.
type Context struct {
	TargetURL    *url.URL
	TargetDomain string
	Callback     string

	Origin       string
	OriginDomain string
	ClientIP     string

	IsAPIKeyRequest bool
	APIKey          string

	// Set by access control. Empty for local callers.
	UserID        string
	ApplicationID string
	Local         bool

	// CachedRequest is set when the response carried the cache directive.
	CachedRequest bool
	CacheDuration time.Duration

	BytesTransferred int64
	Status           int
}

// IsJSONP reports whether the response must be wrapped in a callback.
func (c *Context) IsJSONP() bool {
	return c.Callback != ""
}

// HasIdentity reports whether an earlier stage already set the caller origin.
func (c *Context) HasIdentity() bool {
	return c.OriginDomain != ""
}
