package transform

import (
	"net/http"
	"strconv"
	"strings"

	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/request"
)

// SetCookieHeader carries upstream cookies, which browsers would otherwise
// hide from cross-origin scripts or apply to the proxy's own domain.
const SetCookieHeader = "X-Corsfix-Set-Cookie"

// hopHeaders are never copied from the upstream response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyResponseHeader copies the upstream header into dst, applying the
// cookie, framing, CORS and caching rules shared by every mode. decoded
// reports whether the body will be re-encoded by the proxy.
func copyResponseHeader(dst, src http.Header, rc *request.Context, decoded bool) {
	for name, values := range src {
		if strings.HasPrefix(name, "Access-Control-") {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if decoded {
		dst.Del("Content-Encoding")
		dst.Del("Content-Length")
	}

	var cookies []string
	cookies = append(cookies, src.Values("Set-Cookie")...)
	cookies = append(cookies, src.Values("Set-Cookie2")...)
	dst.Del("Set-Cookie")
	dst.Del("Set-Cookie2")
	for _, c := range cookies {
		dst.Add(SetCookieHeader, c)
	}

	if rc.CachedRequest {
		dst.Del("Expires")
		dst.Set("Cache-Control", "public, max-age="+strconv.FormatInt(int64(rc.CacheDuration.Seconds()), 10))
	}

	dst.Set(cferrors.StatusHeader, cferrors.StatusSuccess)
}

// setCORS exposes the response to the calling origin.
func setCORS(h http.Header, rc *request.Context) {
	origin := rc.Origin
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Expose-Headers", "*")
	if origin != "*" {
		h.Add("Vary", "Origin")
	}
}

const defaultTextContentType = "text/plain; charset=utf-8"

// NormalizeContentType returns a text content type with an explicit charset.
// JSON and text/* keep their type; everything else becomes text/plain.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return defaultTextContentType
	}
	lower := strings.ToLower(ct)
	if strings.Contains(lower, "charset=") {
		return ct
	}
	switch {
	case strings.HasPrefix(lower, "application/json"):
		return "application/json; charset=utf-8"
	case strings.HasPrefix(lower, "text/"):
		return ct + "; charset=utf-8"
	}
	return defaultTextContentType
}
