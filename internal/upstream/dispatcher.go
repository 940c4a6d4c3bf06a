package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/logging"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds connect, headers and body of one proxied call.
	DefaultTimeout = 20 * time.Second
	// DefaultMaxRedirects is the number of redirect hops followed.
	DefaultMaxRedirects = 5
)

// errTooManyRedirects is wrapped into a target_unreachable error.
var errTooManyRedirects = errors.New("too many redirects")

// Config holds dispatcher settings.
type Config struct {
	// SentinelURL answers every blocked hop, e.g. http://127.0.0.1:8080/error.
	SentinelURL  string
	Timeout      time.Duration
	MaxRedirects int

	// Resolver and Dial default to net.DefaultResolver and a net.Dialer.
	Resolver Resolver
	Dial     DialFunc

	// OnBlocked is called once per hop rewritten to the sentinel.
	OnBlocked func(u *url.URL)
}

// Request is one outbound call.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Dispatcher performs outbound calls with per-hop SSRF validation and its
// own redirect handling.
type Dispatcher struct {
	transport    *http.Transport
	guard        *Guard
	sentinel     *url.URL
	timeout      time.Duration
	maxRedirects int
	onBlocked    func(*url.URL)
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	sentinel, err := url.Parse(cfg.SentinelURL)
	if err != nil || sentinel.Host == "" {
		return nil, fmt.Errorf("upstream: invalid sentinel url %q", cfg.SentinelURL)
	}
	guard, err := NewGuard(cfg.Resolver, sentinel.Host)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	return &Dispatcher{
		transport: &http.Transport{
			// Environment proxies would bypass the dial-time checks
			Proxy:                 nil,
			DialContext:           guard.DialContext(dial),
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		},
		guard:        guard,
		sentinel:     sentinel,
		timeout:      cfg.Timeout,
		maxRedirects: cfg.MaxRedirects,
		onBlocked:    cfg.OnBlocked,
	}, nil
}

// Guard returns the dispatcher's SSRF guard.
func (d *Dispatcher) Guard() *Guard {
	return d.guard
}

// Close releases idle connections.
func (d *Dispatcher) Close() {
	d.transport.CloseIdleConnections()
}

// Do sends req, following redirects. The timeout covers the whole exchange
// including reading the returned body; closing the body releases it.
// Errors are catalog errors except when ctx itself was cancelled.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*http.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, d.timeout)

	method := req.Method
	body := req.Body
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	current := req.URL

	for redirects := 0; ; redirects++ {
		hopURL, hopCtx, err := d.prepareHop(tctx, current)
		if err != nil {
			cancel()
			return nil, d.classify(ctx, err)
		}

		hreq, err := d.newRequest(hopCtx, method, hopURL, header, body)
		if err != nil {
			cancel()
			return nil, cferrors.Wrap(err, cferrors.TargetUnreachable)
		}

		resp, err := d.transport.RoundTrip(hreq)
		if err != nil {
			cancel()
			return nil, d.classify(ctx, err)
		}

		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		next, err := current.Parse(loc)
		if err != nil {
			// Unusable Location: hand the 3xx back unchanged
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		drain(resp.Body)
		if redirects >= d.maxRedirects {
			cancel()
			return nil, cferrors.Wrap(fmt.Errorf("%w: more than %d", errTooManyRedirects, d.maxRedirects), cferrors.TargetUnreachable)
		}

		if switchToGet(resp.StatusCode, method) {
			method = http.MethodGet
			body = nil
			header.Del("Content-Type")
			header.Del("Content-Length")
		}
		if next.Hostname() != current.Hostname() {
			header.Del("Authorization")
			header.Del("Cookie")
		}

		logging.Debug("following upstream redirect",
			zap.Int("status", resp.StatusCode),
			zap.String("from", current.Redacted()),
			zap.String("to", next.Redacted()),
		)
		current = next
	}
}

// prepareHop validates u and returns the URL to send to, which is the
// sentinel for blocked destinations.
func (d *Dispatcher) prepareHop(ctx context.Context, u *url.URL) (*url.URL, context.Context, error) {
	addrs, err := d.guard.Resolve(ctx, u)
	if errors.Is(err, ErrBlocked) {
		logging.Warn("blocked upstream destination",
			zap.String("url", u.Redacted()),
			zap.Error(err),
		)
		if d.onBlocked != nil {
			d.onBlocked(u)
		}
		return d.sentinel, ctx, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return u, withResolved(ctx, u.Hostname(), addrs), nil
}

func (d *Dispatcher) newRequest(ctx context.Context, method string, u *url.URL, header http.Header, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if len(body) > 0 && method != http.MethodGet && method != http.MethodHead {
		rdr = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	hreq.Header = header.Clone()
	return hreq, nil
}

// classify maps a transport error to the catalog. When parent is already
// done the caller went away and err is returned unchanged.
func (d *Dispatcher) classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	return Classify(err)
}

// Classify maps an outbound error to timeout, target_not_found or
// target_unreachable. Catalog errors pass through.
func Classify(err error) error {
	var ce *cferrors.Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cferrors.Wrap(err, cferrors.Timeout)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return cferrors.Wrap(err, cferrors.TargetNotFound)
		}
		if dnsErr.IsTimeout {
			return cferrors.Wrap(err, cferrors.Timeout)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cferrors.Wrap(err, cferrors.Timeout)
	}
	return cferrors.Wrap(err, cferrors.TargetUnreachable)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// switchToGet reports whether a redirect drops the method and body.
func switchToGet(code int, method string) bool {
	switch code {
	case http.StatusSeeOther:
		return method != http.MethodHead
	case http.StatusMovedPermanently, http.StatusFound:
		return method != http.MethodGet && method != http.MethodHead
	}
	return false
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}

// cancelBody releases the call's timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
