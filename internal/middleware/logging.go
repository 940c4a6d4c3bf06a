package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/logging"
)

// LoggingConfig configures the logging middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Quiet suppresses the log line. OnComplete still runs.
	Quiet bool
	// OnComplete runs after every request with the outcome tag, e.g. to
	// feed metrics.
	OnComplete func(r *http.Request, status string, code int, bytes int64, d time.Duration)
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig logs one line per request with the X-Corsfix-Status tag.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := wrapWriter(w)
			owned := rw != w
			defer func() {
				duration := time.Since(start)
				tag := rw.Header().Get(errors.StatusHeader)
				if cfg.OnComplete != nil {
					cfg.OnComplete(r, tag, rw.status, rw.bytes, duration)
				}
				if owned {
					defer releaseWriter(rw)
				}
				if cfg.Quiet {
					return
				}

				// Stack-allocated array avoids slice growth allocations.
				var fields [9]zap.Field
				n := 0
				fields[n] = zap.String("request_id", RequestIDFromContext(r.Context())); n++
				fields[n] = zap.String("remote_addr", r.RemoteAddr); n++
				fields[n] = zap.String("method", r.Method); n++
				fields[n] = zap.Int("status", rw.status); n++
				fields[n] = zap.String("corsfix_status", tag); n++
				fields[n] = zap.Int64("body_bytes", rw.bytes); n++
				fields[n] = zap.Duration("response_time", duration); n++
				if o := r.Header.Get("Origin"); o != "" {
					fields[n] = zap.String("origin", o); n++
				}
				if ua := r.UserAgent(); ua != "" {
					fields[n] = zap.String("user_agent", ua); n++
				}
				logging.Info("HTTP request", fields[:n]...)
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
