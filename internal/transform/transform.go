// Package transform turns an upstream response into the proxy's response:
// CORS passthrough, size-capped text, or a JSONP script.
package transform

import (
	"errors"
	"net/http"

	"github.com/corsfix/proxy/internal/request"
)

// Transformer writes resp to w for one request. It records the bytes
// written and status in rc. An error returned before anything was written
// is a catalog error the caller renders; a *StreamError means the response
// was already committed.
type Transformer interface {
	Transform(w http.ResponseWriter, r *http.Request, resp *http.Response, rc *request.Context) error
}

// StreamError reports a failure after headers were flushed.
type StreamError struct {
	Written int64
	Err     error
}

func (e *StreamError) Error() string { return "stream aborted: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

// IsStreamError reports whether err happened mid-stream.
func IsStreamError(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}

// Set holds one transformer per mode.
type Set struct {
	CORS     Transformer
	Text     Transformer
	JSONP    Transformer
	TextOnly bool
}

// NewSet builds the transformers with the given buffer limit.
func NewSet(limit int64, textOnly bool) *Set {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Set{
		CORS:     &CORS{},
		Text:     &Text{Limit: limit},
		JSONP:    &JSONP{Limit: limit},
		TextOnly: textOnly,
	}
}

// Select picks the transformer: JSONP when a callback was given, else text
// in text-only deployments, else CORS passthrough.
func (s *Set) Select(rc *request.Context) Transformer {
	switch {
	case rc.IsJSONP():
		return s.JSONP
	case s.TextOnly:
		return s.Text
	default:
		return s.CORS
	}
}
