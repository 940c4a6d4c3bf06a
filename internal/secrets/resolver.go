// Package secrets substitutes {{name}} placeholders in outbound query values
// and header values with an application's secrets.
package secrets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/corsfix/proxy/internal/lookup"
)

var placeholder = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Resolver fetches secrets from a SecretSource at most once per resolution.
type Resolver struct {
	source lookup.SecretSource
}

// NewResolver creates a resolver over source.
func NewResolver(source lookup.SecretSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns u and h with placeholders replaced. When no placeholder is
// present, or applicationID is empty, the inputs are returned unchanged and
// no secrets are fetched. Unknown names are left intact.
func (r *Resolver) Resolve(ctx context.Context, applicationID string, u *url.URL, h http.Header) (*url.URL, http.Header, error) {
	if applicationID == "" {
		return u, h, nil
	}

	names := Placeholders(u, h)
	if len(names) == 0 {
		return u, h, nil
	}

	values, err := r.source.SecretsMap(ctx, names, applicationID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching secrets: %w", err)
	}
	if len(values) == 0 {
		return u, h, nil
	}

	return substituteQuery(u, values), substituteHeader(h, values), nil
}

// Placeholders returns the distinct placeholder names found in query values
// and header values, sorted.
func Placeholders(u *url.URL, h http.Header) []string {
	seen := make(map[string]struct{})
	collect := func(s string) {
		if !strings.Contains(s, "{{") {
			return
		}
		for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = struct{}{}
		}
	}

	if u != nil && u.RawQuery != "" {
		for _, v := range u.Query() {
			for _, s := range v {
				collect(s)
			}
		}
	}
	for _, vs := range h {
		for _, s := range vs {
			collect(s)
		}
	}

	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// replace substitutes known names in s and reports whether anything changed.
func replace(s string, values map[string]string) (string, bool) {
	if !strings.Contains(s, "{{") {
		return s, false
	}
	changed := false
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := values[name]; ok && v != "" {
			changed = true
			return v
		}
		return m
	})
	return out, changed
}

// substituteQuery rewrites only the query pairs whose value changes, so the
// rest of the raw query keeps its original order and encoding.
func substituteQuery(u *url.URL, values map[string]string) *url.URL {
	if u == nil || u.RawQuery == "" {
		return u
	}
	pairs := strings.Split(u.RawQuery, "&")
	changed := false
	for i, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		val, err := url.QueryUnescape(raw)
		if err != nil {
			continue
		}
		if nv, ok := replace(val, values); ok {
			pairs[i] = key + "=" + url.QueryEscape(nv)
			changed = true
		}
	}
	if !changed {
		return u
	}
	out := *u
	out.RawQuery = strings.Join(pairs, "&")
	return &out
}

func substituteHeader(h http.Header, values map[string]string) http.Header {
	var out http.Header
	for k, vs := range h {
		for i, v := range vs {
			nv, ok := replace(v, values)
			if !ok {
				continue
			}
			if out == nil {
				out = h.Clone()
			}
			out[k][i] = nv
		}
	}
	if out == nil {
		return h
	}
	return out
}
