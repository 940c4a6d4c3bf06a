package request

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// maxCallbackLen bounds JSONP callback names.
const maxCallbackLen = 128

var (
	schemePattern   = regexp.MustCompile(`(?i)^https?://`)
	callbackPattern = regexp.MustCompile(`^[A-Za-z_$][0-9A-Za-z_$]*(\.[A-Za-z_$][0-9A-Za-z_$]*)*$`)
)

// Target is the parsed upstream URL and optional JSONP callback.
type Target struct {
	URL      *url.URL
	Callback string
}

// IsBareRoot reports whether r is "/" without a query string, which is
// answered with the marketing redirect.
func IsBareRoot(r *http.Request) bool {
	return (r.URL.Path == "/" || r.URL.Path == "") && r.URL.RawQuery == ""
}

// ParseTarget extracts the upstream URL from the request. Forms are tried in
// order: the path after the leading slash (raw query appended), the url=
// query parameter with an optional callback=, then the raw query as a literal
// URL.
func ParseTarget(r *http.Request) (Target, error) {
	var (
		input    string
		callback string
		decoded  bool
	)

	path := r.URL.EscapedPath()
	switch {
	case path != "/" && path != "":
		input = path[1:]
		if r.URL.RawQuery != "" {
			input += "?" + r.URL.RawQuery
		}
	case r.URL.Query().Has("url"):
		q := r.URL.Query()
		input = q.Get("url")
		callback = q.Get("callback")
		// Query parsing already decoded the value
		decoded = true
	default:
		input = r.URL.RawQuery
	}

	u, err := ParseTargetString(input, decoded)
	if err != nil {
		return Target{}, err
	}

	if callback != "" && !ValidCallback(callback) {
		return Target{}, fmt.Errorf("invalid callback name %q", callback)
	}

	return Target{URL: u, Callback: callback}, nil
}

// ParseTargetString normalises one target URL string: it is percent-decoded
// once unless already decoded, https:// is assumed when no http(s) scheme is
// present, and the hostname must contain a dot.
func ParseTargetString(input string, decoded bool) (*url.URL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty target url")
	}
	if !decoded {
		s, err := url.PathUnescape(input)
		if err != nil {
			return nil, fmt.Errorf("decoding target url: %w", err)
		}
		input = s
	}
	if !schemePattern.MatchString(input) {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("parsing target url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	if !strings.Contains(host, ".") {
		return nil, fmt.Errorf("hostname %q has no top-level domain", host)
	}
	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		hostport += ":" + port
	}
	u.Host = hostport
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// NormalizeHost lower-cases a hostname and converts internationalised names
// to their ASCII form.
func NormalizeHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("missing hostname")
	}
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			ascii, err := idna.Lookup.ToASCII(host)
			if err != nil {
				return "", fmt.Errorf("invalid hostname %q: %w", host, err)
			}
			return strings.ToLower(ascii), nil
		}
	}
	return strings.ToLower(host), nil
}

// ValidCallback reports whether name is a dotted JavaScript identifier.
func ValidCallback(name string) bool {
	return len(name) <= maxCallbackLen && callbackPattern.MatchString(name)
}

// ParseOrigin parses an Origin or Referer header value into its serialised
// origin (scheme://host[:port]) and normalised hostname.
func ParseOrigin(value string) (origin, hostname string, err error) {
	if value == "" {
		return "", "", fmt.Errorf("empty origin")
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("origin %q is not an absolute URL", value)
	}
	hostname, err = NormalizeHost(u.Hostname())
	if err != nil {
		return "", "", err
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host, hostname, nil
}
