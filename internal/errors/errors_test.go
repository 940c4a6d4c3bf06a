package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKindsHaveDefinitions(t *testing.T) {
	seen := make(map[string]bool)
	for _, k := range Kinds() {
		d, ok := definitions[k]
		if !ok {
			t.Fatalf("kind %d has no definition", k)
		}
		if d.tag == "" || d.message == "" || d.admin == "" || d.user == "" {
			t.Errorf("kind %s has empty copy", d.tag)
		}
		if seen[d.tag] {
			t.Errorf("duplicate tag %q", d.tag)
		}
		seen[d.tag] = true
	}
	if len(seen) != 19 {
		t.Errorf("expected 19 kinds, got %d", len(seen))
	}
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		tag    string
	}{
		{InvalidOrigin, 400, "invalid_origin"},
		{InvalidReferer, 400, "invalid_referer"},
		{InvalidURL, 400, "invalid_url"},
		{PayloadTooLarge, 413, "payload_too_large"},
		{DomainNotRegistered, 403, "domain_not_registered"},
		{TargetNotAllowed, 403, "target_not_allowed"},
		{InvalidAPIKey, 403, "invalid_api_key"},
		{UserNotFound, 403, "user_not_found"},
		{InvalidSubscription, 400, "invalid_subscription"},
		{RateLimited, 429, "rate_limited"},
		{TrialExpired, 403, "trial_expired"},
		{TrialLimitReached, 403, "trial_limit_reached"},
		{TargetNotFound, 404, "target_not_found"},
		{TargetUnreachable, 502, "target_unreachable"},
		{Timeout, 504, "timeout"},
		{ResponseTooLarge, 400, "response_too_large"},
		{ResponseNotText, 400, "response_not_text"},
		{UncaughtError, 500, "uncaught_error"},
		{UnknownError, 500, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := tt.kind.Status(); got != tt.status {
				t.Errorf("Status() = %d, want %d", got, tt.status)
			}
			if got := tt.kind.Tag(); got != tt.tag {
				t.Errorf("Tag() = %q, want %q", got, tt.tag)
			}
		})
	}
}

func TestRenderTemplatesDomain(t *testing.T) {
	b := Render(DomainNotRegistered, Context{Domain: "app.test"})
	want := "Please add your website domain (app.test) to the dashboard to use the proxy"
	if b.Admin != want {
		t.Errorf("Admin = %q, want %q", b.Admin, want)
	}

	b = Render(TargetNotAllowed, Context{Domain: "api.example.com"})
	if b.Admin != "Add the target domain (api.example.com) to your allowed domains in the dashboard" {
		t.Errorf("unexpected admin text %q", b.Admin)
	}
}

func TestRenderWithoutContextLeavesEmpty(t *testing.T) {
	b := Render(DomainNotRegistered, Context{})
	if b.Admin != "Please add your website domain () to the dashboard to use the proxy" {
		t.Errorf("unexpected admin text %q", b.Admin)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	New(DomainNotRegistered).WithDomain("app.test").WriteJSON(rec)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := rec.Header().Get(StatusHeader); got != "domain_not_registered" {
		t.Errorf("%s = %q", StatusHeader, got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("ACAO = %q, want *", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	for _, key := range []string{"corsfix_error", "message", "if_you_are_admin", "if_you_are_user"} {
		if body[key] == "" {
			t.Errorf("missing %q in body", key)
		}
	}
	if body["corsfix_error"] != "domain_not_registered" {
		t.Errorf("corsfix_error = %q", body["corsfix_error"])
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	e := Wrap(inner, TargetUnreachable)

	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
	if e.Error() != "target_unreachable: dial tcp: connection refused" {
		t.Errorf("Error() = %q", e.Error())
	}
	if !errors.Is(e, New(TargetUnreachable)) {
		t.Error("errors.Is should match a bare error of the same kind")
	}
	if errors.Is(e, New(Timeout)) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}

	ce := New(RateLimited)
	wrapped := fmt.Errorf("limiter: %w", ce)
	if got := From(wrapped); got != ce {
		t.Errorf("From should unwrap to the catalog error, got %v", got)
	}

	plain := fmt.Errorf("boom")
	got := From(plain)
	if got.Kind != UnknownError {
		t.Errorf("plain error kind = %s, want unknown_error", got.Kind)
	}
	if !errors.Is(got, plain) {
		t.Error("converted error should wrap the original")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(fmt.Errorf("x")) != 0 {
		t.Error("non-catalog error should have kind 0")
	}
	if KindOf(fmt.Errorf("y: %w", New(Timeout))) != Timeout {
		t.Error("KindOf should see through wrapping")
	}
}

func TestServerFault(t *testing.T) {
	if !UnknownError.ServerFault() || !UncaughtError.ServerFault() || !TargetUnreachable.ServerFault() {
		t.Error("5xx kinds should be server faults")
	}
	if InvalidOrigin.ServerFault() || RateLimited.ServerFault() {
		t.Error("4xx kinds should not be server faults")
	}
}
