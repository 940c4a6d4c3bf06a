// Package validation runs the ordered request checks that populate the
// request context before access control.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/request"
)

// APIKeyHeader carries a tenant API key.
const APIKeyHeader = "X-Corsfix-Key"

// DefaultMaxRequestBytes is the request payload cap.
const DefaultMaxRequestBytes = 5 << 20

// RedirectError asks the caller to answer with a permanent redirect.
type RedirectError struct {
	Location string
}

func (e *RedirectError) Error() string { return "redirect to " + e.Location }

// Write sends the cached 301.
func (e *RedirectError) Write(w http.ResponseWriter) {
	w.Header().Set("Location", e.Location)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusMovedPermanently)
}

// Validator checks one aspect of r, recording what it learns in rc.
type Validator interface {
	Validate(r *http.Request, rc *request.Context) error
}

// Func adapts a function to Validator.
type Func func(r *http.Request, rc *request.Context) error

func (f Func) Validate(r *http.Request, rc *request.Context) error { return f(r, rc) }

// Chain runs validators in order and stops at the first error.
type Chain []Validator

func (c Chain) Validate(r *http.Request, rc *request.Context) error {
	for _, v := range c {
		if err := v.Validate(r, rc); err != nil {
			return err
		}
	}
	return nil
}

// Config parameterises the standard chain.
type Config struct {
	MaxRequestBytes int64
	MarketingURL    string
}

// NewChain returns payload size, target URL, JSONP, API key and origin
// validation, in that order.
func NewChain(cfg Config) Chain {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return Chain{
		PayloadSize(cfg.MaxRequestBytes),
		TargetURL(cfg.MarketingURL),
		Func(JSONP),
		Func(APIKey),
		Func(Origin),
	}
}

// PayloadSize rejects requests whose declared length exceeds max.
func PayloadSize(max int64) Validator {
	return Func(func(r *http.Request, _ *request.Context) error {
		if r.ContentLength > max {
			return cferrors.Wrap(fmt.Errorf("content-length %d exceeds %d", r.ContentLength, max), cferrors.PayloadTooLarge)
		}
		return nil
	})
}

// TargetURL parses the upstream URL and the cache directive. A bare "/"
// redirects to marketingURL.
func TargetURL(marketingURL string) Validator {
	return Func(func(r *http.Request, rc *request.Context) error {
		if request.IsBareRoot(r) && marketingURL != "" {
			return &RedirectError{Location: marketingURL}
		}
		target, err := request.ParseTarget(r)
		if err != nil {
			return cferrors.Wrap(err, cferrors.InvalidURL)
		}
		rc.TargetURL = target.URL
		rc.TargetDomain = target.URL.Hostname()
		rc.Callback = target.Callback

		if v, ok := r.Header[http.CanonicalHeaderKey(request.CacheHeader)]; ok {
			rc.CachedRequest = true
			rc.CacheDuration = request.ParseCacheDuration(strings.Join(v, ""))
		}
		return nil
	})
}

// JSONP takes the caller identity from Referer when a callback is present.
func JSONP(r *http.Request, rc *request.Context) error {
	if !rc.IsJSONP() {
		return nil
	}
	origin, host, err := request.ParseOrigin(r.Header.Get("Referer"))
	if err != nil {
		return cferrors.Wrap(err, cferrors.InvalidReferer)
	}
	rc.Origin = origin
	rc.OriginDomain = host
	return nil
}

// APIKey detects API-key callers, including preflights announcing the key
// header.
func APIKey(r *http.Request, rc *request.Context) error {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		rc.IsAPIKeyRequest = true
		rc.APIKey = key
		return nil
	}
	for _, v := range r.Header.Values("Access-Control-Request-Headers") {
		for _, name := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(name), APIKeyHeader) {
				rc.IsAPIKeyRequest = true
				return nil
			}
		}
	}
	return nil
}

// Origin requires a parseable Origin header unless an earlier stage set the
// identity. API-key callers are recorded under a fixed domain.
func Origin(r *http.Request, rc *request.Context) error {
	if rc.HasIdentity() {
		return nil
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if rc.IsAPIKeyRequest {
		rc.Origin = origin
		rc.OriginDomain = request.OriginDomainAPIKey
		return nil
	}
	_, host, err := request.ParseOrigin(origin)
	if err != nil {
		return cferrors.Wrap(err, cferrors.InvalidOrigin)
	}
	rc.Origin = origin
	rc.OriginDomain = host
	return nil
}

// IsPreflight reports whether r is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		(r.Header.Get("Access-Control-Request-Method") != "" || r.Header.Get("Access-Control-Request-Headers") != "")
}

// WritePreflight answers a preflight with the requested method and headers.
func WritePreflight(w http.ResponseWriter, r *http.Request, rc *request.Context) {
	h := w.Header()
	origin := rc.Origin
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
		h.Set("Access-Control-Allow-Methods", m)
	}
	if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
		h.Set("Access-Control-Allow-Headers", hdrs)
	}
	h.Set("Access-Control-Max-Age", "3600")
	h.Add("Vary", "Origin")
	h.Set(cferrors.StatusHeader, cferrors.StatusSuccess)
	w.WriteHeader(http.StatusNoContent)
}
