// Package proxy runs the request pipeline: validation, preflight, access
// control, secret substitution, the upstream call and the response
// transform, then hands the outcome to usage accounting.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/access"
	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/logging"
	"github.com/corsfix/proxy/internal/middleware"
	"github.com/corsfix/proxy/internal/ratelimit"
	"github.com/corsfix/proxy/internal/request"
	"github.com/corsfix/proxy/internal/secrets"
	"github.com/corsfix/proxy/internal/transform"
	"github.com/corsfix/proxy/internal/upstream"
	"github.com/corsfix/proxy/internal/validation"
)

// Authorizer resolves the caller and applies its rate limit.
type Authorizer interface {
	Authorize(ctx context.Context, rc *request.Context) (*ratelimit.Decision, error)
}

// Dispatcher performs the outbound call.
type Dispatcher interface {
	Do(ctx context.Context, req upstream.Request) (*http.Response, error)
}

// Recorder accounts a completed request.
type Recorder interface {
	Record(ctx context.Context, rc *request.Context)
}

// Observer receives operational measurements. *metrics.Collector
// implements it.
type Observer interface {
	RecordUpstream(code int, d time.Duration)
	RecordBytes(transform string, n int64)
	RecordRateLimited(scope string)
}

type nopObserver struct{}

func (nopObserver) RecordUpstream(int, time.Duration) {}
func (nopObserver) RecordBytes(string, int64)         {}
func (nopObserver) RecordRateLimited(string)          {}

// Config holds the collaborators of a Proxy.
type Config struct {
	Validators   validation.Chain
	Access       Authorizer
	Secrets      *secrets.Resolver
	Dispatcher   Dispatcher
	Transformers *transform.Set
	Usage        Recorder
	Observer     Observer

	// MaxRequestBytes caps the forwarded request body.
	MaxRequestBytes int64
	// ClientIPHeader is the trusted header carrying the caller address. It
	// is not forwarded upstream.
	ClientIPHeader string
}

// Proxy is the http.Handler for proxied requests.
type Proxy struct {
	validators validation.Chain
	access     Authorizer
	secrets    *secrets.Resolver
	dispatcher Dispatcher
	transforms *transform.Set
	usage      Recorder
	observer   Observer
	maxBody    int64
	ipHeader   string
}

// New creates a proxy handler.
func New(cfg Config) *Proxy {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = validation.DefaultMaxRequestBytes
	}
	if cfg.Validators == nil {
		cfg.Validators = validation.NewChain(validation.Config{MaxRequestBytes: cfg.MaxRequestBytes})
	}
	if cfg.Transformers == nil {
		cfg.Transformers = transform.NewSet(transform.DefaultLimit, false)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Proxy{
		validators: cfg.Validators,
		access:     cfg.Access,
		secrets:    cfg.Secrets,
		dispatcher: cfg.Dispatcher,
		transforms: cfg.Transformers,
		usage:      cfg.Usage,
		observer:   cfg.Observer,
		maxBody:    cfg.MaxRequestBytes,
		ipHeader:   cfg.ClientIPHeader,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := &request.Context{ClientIP: access.ClientIP(r, p.ipHeader)}

	if err := p.validators.Validate(r, rc); err != nil {
		var redirect *validation.RedirectError
		if errors.As(err, &redirect) {
			redirect.Write(w)
			return
		}
		p.fail(w, r, rc, err)
		return
	}

	if validation.IsPreflight(r) {
		validation.WritePreflight(w, r, rc)
		return
	}

	decision, err := p.access.Authorize(ctx, rc)
	if decision != nil {
		decision.Apply(w)
	}
	if err != nil {
		if cferrors.KindOf(err) == cferrors.RateLimited {
			scope := "tenant"
			if rc.Local {
				scope = "local"
			}
			p.observer.RecordRateLimited(scope)
		}
		p.fail(w, r, rc, err)
		return
	}

	target, header := rc.TargetURL, upstream.OutboundHeader(r.Header, p.outboundStrip()...)
	if p.secrets != nil {
		target, header, err = p.secrets.Resolve(ctx, rc.ApplicationID, target, header)
		if err != nil {
			p.fail(w, r, rc, cferrors.Wrap(err, cferrors.UnknownError))
			return
		}
	}

	body, err := p.readBody(w, r)
	if err != nil {
		p.fail(w, r, rc, err)
		return
	}

	start := time.Now()
	resp, err := p.dispatcher.Do(ctx, upstream.Request{
		Method: r.Method,
		URL:    target,
		Header: header,
		Body:   body,
	})
	if err != nil {
		p.observer.RecordUpstream(0, time.Since(start))
		p.fail(w, r, rc, err)
		return
	}
	defer resp.Body.Close()
	p.observer.RecordUpstream(resp.StatusCode, time.Since(start))

	t := p.transforms.Select(rc)
	err = t.Transform(w, r, resp, rc)
	p.observer.RecordBytes(transformName(t), rc.BytesTransferred)

	var streamErr *transform.StreamError
	if errors.As(err, &streamErr) {
		p.record(ctx, rc)
		logging.Warn("Response stream aborted",
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
			zap.String("target", rc.TargetURL.String()),
			zap.Int64("written", streamErr.Written),
			zap.Error(streamErr.Err),
		)
		// Truncate the connection so the client sees an incomplete body.
		panic(http.ErrAbortHandler)
	}
	if err != nil {
		p.fail(w, r, rc, err)
		return
	}
	p.record(ctx, rc)
}

// readBody buffers the request body for methods that carry one.
func (p *Proxy) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, cferrors.Wrap(err, cferrors.PayloadTooLarge)
		}
		return nil, cferrors.Wrap(err, cferrors.UnknownError)
	}
	return body, nil
}

func (p *Proxy) outboundStrip() []string {
	if p.ipHeader == "" {
		return nil
	}
	return []string{p.ipHeader}
}

// record runs detached from the request so a disconnect after the last byte
// still counts.
func (p *Proxy) record(ctx context.Context, rc *request.Context) {
	if p.usage == nil {
		return
	}
	p.usage.Record(context.WithoutCancel(ctx), rc)
}

// fail renders err as a catalog error response. Server faults are logged
// with their cause.
func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, rc *request.Context, err error) {
	if ctxErr := r.Context().Err(); ctxErr != nil && cferrors.KindOf(err) == 0 {
		logging.Debug("Client went away",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		return
	}

	ce := cferrors.From(err)
	if ce.Kind.ServerFault() {
		fields := []zap.Field{
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.String("status", ce.Kind.Tag()),
			zap.String("origin_domain", rc.OriginDomain),
			zap.Error(err),
		}
		if rc.TargetURL != nil {
			fields = append(fields, zap.String("target", rc.TargetURL.String()))
		}
		logging.Error("Request failed", fields...)
	}
	ce.WriteJSON(w)
}

func transformName(t transform.Transformer) string {
	switch t.(type) {
	case *transform.JSONP:
		return "jsonp"
	case *transform.Text:
		return "text"
	default:
		return "cors"
	}
}
