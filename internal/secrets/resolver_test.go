package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"testing"

	"github.com/corsfix/proxy/internal/lookup"
)

func newResolver() (*Resolver, *lookup.Memory) {
	mem := lookup.NewMemory()
	mem.SetSecret("app1", "SECRET_X", "bar")
	mem.SetSecret("app1", "TOKEN", "s3cr3t value")
	return NewResolver(mem), mem
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestResolveQueryRoundTrip(t *testing.T) {
	r, _ := newResolver()
	u := mustURL(t, "https://api.example.com/v1?foo={{SECRET_X}}&z=1")

	got, _, err := r.Resolve(context.Background(), "app1", u, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	if got.RawQuery != "foo=bar&z=1" {
		t.Errorf("RawQuery = %q, want foo=bar&z=1", got.RawQuery)
	}
	if u.RawQuery != "foo={{SECRET_X}}&z=1" {
		t.Errorf("input URL was mutated: %q", u.RawQuery)
	}
}

func TestResolveEncodedPlaceholder(t *testing.T) {
	r, _ := newResolver()
	u := mustURL(t, "https://api.example.com/?key=%7B%7BTOKEN%7D%7D")

	got, _, err := r.Resolve(context.Background(), "app1", u, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Query().Get("key"); v != "s3cr3t value" {
		t.Errorf("key = %q", v)
	}
}

func TestResolveUnknownLeftIntact(t *testing.T) {
	r, _ := newResolver()
	u := mustURL(t, "https://api.example.com/?a={{NOPE}}&b=%7B%7BNOPE%7D%7D")
	h := http.Header{"Authorization": {"Bearer {{NOPE}}"}}

	gotURL, gotH, err := r.Resolve(context.Background(), "app1", u, h)
	if err != nil {
		t.Fatal(err)
	}
	if gotURL.RawQuery != u.RawQuery {
		t.Errorf("RawQuery = %q, want byte-identical %q", gotURL.RawQuery, u.RawQuery)
	}
	if gotH.Get("Authorization") != "Bearer {{NOPE}}" {
		t.Errorf("Authorization = %q", gotH.Get("Authorization"))
	}
}

func TestResolveHeaders(t *testing.T) {
	r, _ := newResolver()
	u := mustURL(t, "https://api.example.com/")
	h := http.Header{
		"Authorization": {"Bearer {{TOKEN}}"},
		"X-Mixed":       {"{{SECRET_X}}-{{NOPE}}"},
		"Accept":        {"application/json"},
	}

	_, got, err := r.Resolve(context.Background(), "app1", u, h)
	if err != nil {
		t.Fatal(err)
	}
	if got.Get("Authorization") != "Bearer s3cr3t value" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("X-Mixed") != "bar-{{NOPE}}" {
		t.Errorf("X-Mixed = %q", got.Get("X-Mixed"))
	}
	if h.Get("Authorization") != "Bearer {{TOKEN}}" {
		t.Error("input header was mutated")
	}
}

func TestResolveIdentityWithoutPlaceholders(t *testing.T) {
	r, mem := newResolver()
	u := mustURL(t, "https://api.example.com/?q=plain")
	h := http.Header{"Accept": {"*/*"}}

	gotURL, gotH, err := r.Resolve(context.Background(), "app1", u, h)
	if err != nil {
		t.Fatal(err)
	}
	if gotURL != u {
		t.Error("URL should be the identical pointer")
	}
	if reflect.ValueOf(gotH).Pointer() != reflect.ValueOf(h).Pointer() {
		t.Error("header should be the identical map")
	}
	if n := mem.Calls("SecretsMap"); n != 0 {
		t.Errorf("SecretsMap called %d times, want 0", n)
	}
}

func TestResolveSkippedWithoutApplication(t *testing.T) {
	r, mem := newResolver()
	u := mustURL(t, "https://api.example.com/?foo={{SECRET_X}}")

	gotURL, _, err := r.Resolve(context.Background(), "", u, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotURL != u || mem.Calls("SecretsMap") != 0 {
		t.Error("local and api-key callers must not resolve secrets")
	}
}

func TestResolveFetchesOnce(t *testing.T) {
	r, mem := newResolver()
	u := mustURL(t, "https://api.example.com/?a={{SECRET_X}}&b={{SECRET_X}}&c={{TOKEN}}")
	h := http.Header{"X-Key": {"{{TOKEN}}"}}

	if _, _, err := r.Resolve(context.Background(), "app1", u, h); err != nil {
		t.Fatal(err)
	}
	if n := mem.Calls("SecretsMap"); n != 1 {
		t.Errorf("SecretsMap called %d times, want 1", n)
	}
}

type failingSource struct{}

func (failingSource) SecretsMap(context.Context, []string, string) (map[string]string, error) {
	return nil, errors.New("decrypt failed")
}

func TestResolveSourceError(t *testing.T) {
	r := NewResolver(failingSource{})
	u := mustURL(t, "https://api.example.com/?a={{X}}")
	if _, _, err := r.Resolve(context.Background(), "app1", u, nil); err == nil {
		t.Error("expected error from secret source")
	}
}

func TestPlaceholders(t *testing.T) {
	u := mustURL(t, "https://x.example/?a={{B}}&c={{A}}{{B}}")
	h := http.Header{"X": {"{{C}} and {{ not closed"}}
	got := Placeholders(u, h)
	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders = %v, want %v", got, want)
	}
}
