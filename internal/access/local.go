package access

import (
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// localRanges are address ranges whose literal origins are treated as
// local development.
var localRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"0.0.0.0/32",
	"::1/128",
}

// LocalMatcher recognises local and operator origin domains, which bypass
// tenant lookup.
type LocalMatcher struct {
	names  map[string]bool
	ranges *netipx.IPSet
}

// NewLocalMatcher builds a matcher for the exact names plus the built-in
// loopback and private ranges and *.localhost.
func NewLocalMatcher(names []string) *LocalMatcher {
	var b netipx.IPSetBuilder
	for _, cidr := range localRanges {
		b.AddPrefix(netip.MustParsePrefix(cidr))
	}
	set, _ := b.IPSet()

	m := &LocalMatcher{names: make(map[string]bool, len(names)), ranges: set}
	for _, n := range names {
		m.names[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return m
}

// IsLocal reports whether domain is an exact local name, a .localhost
// subdomain, or an IP literal in a local range.
func (m *LocalMatcher) IsLocal(domain string) bool {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	if d == "" {
		return false
	}
	if m.names[d] || d == "localhost" || strings.HasSuffix(d, ".localhost") {
		return true
	}
	d = strings.TrimSuffix(strings.TrimPrefix(d, "["), "]")
	addr, err := netip.ParseAddr(d)
	if err != nil {
		return false
	}
	return m.ranges.Contains(addr.Unmap())
}
