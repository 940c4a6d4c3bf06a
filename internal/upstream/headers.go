package upstream

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// HeaderOverrides is the request header carrying a JSON object of header
// values to set on the outbound request.
const HeaderOverrides = "X-Corsfix-Headers"

var stripExact = map[string]bool{
	"Referer":             true,
	"Origin":              true,
	"Host":                true,
	"Content-Length":      true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

var stripPrefixes = []string{"sec-", "x-corsfix-", "x-forwarded-"}

// OutboundHeader builds the header sent upstream from the client's header.
// Caller identity, proxy control and hop-by-hop headers are removed, along
// with any names in extra. Overrides from X-Corsfix-Headers are applied last.
func OutboundHeader(in http.Header, extra ...string) http.Header {
	out := make(http.Header, len(in))

	connTokens := map[string]bool{}
	for _, v := range in.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				connTokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	for _, e := range extra {
		if e != "" {
			connTokens[http.CanonicalHeaderKey(e)] = true
		}
	}

	for name, values := range in {
		key := http.CanonicalHeaderKey(name)
		if stripExact[key] || connTokens[key] || hasStripPrefix(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}

	applyOverrides(out, in.Get(HeaderOverrides))
	return out
}

func hasStripPrefix(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range stripPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// applyOverrides sets each string-valued member of the JSON object raw.
// Names are matched case-insensitively; invalid JSON and non-objects are ignored.
func applyOverrides(h http.Header, raw string) {
	if raw == "" || !gjson.Valid(raw) {
		return
	}
	obj := gjson.Parse(raw)
	if !obj.IsObject() {
		return
	}
	obj.ForEach(func(k, v gjson.Result) bool {
		name := strings.ToLower(strings.TrimSpace(k.String()))
		if name == "" || v.Type == gjson.Null || !validHeaderValue(v.String()) {
			return true
		}
		h.Set(name, v.String())
		return true
	})
}

func validHeaderValue(v string) bool {
	return !strings.ContainsAny(v, "\r\n\x00")
}
