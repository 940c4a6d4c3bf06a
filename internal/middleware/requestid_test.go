package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if seen == "" {
		t.Error("Request ID should be set in context")
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q != context id %q", rr.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDTrust(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		want  bool
	}{
		{"trusted", true, true},
		{"untrusted by default", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := RequestIDWithConfig(RequestIDConfig{TrustHeader: tt.trust})
			rr := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(RequestIDHeader, "existing")
			mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader) == "existing"
			if got != tt.want {
				t.Errorf("kept incoming id = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestIDCustomGenerator(t *testing.T) {
	mw := RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "custom" }})
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Header().Get(RequestIDHeader) != "custom" {
		t.Errorf("got %q", rr.Header().Get(RequestIDHeader))
	}
}
