package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sync/atomic"

	"go4.org/netipx"
)

// ErrBlocked is returned when a destination resolves to a non-public address.
var ErrBlocked = errors.New("destination address is not public")

// BlockedRanges lists the unspecified, loopback, link-local, private,
// shared, reserved and multicast ranges no hop may connect to.
var BlockedRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/32",
	"2001:db8::/32",
	"2002::/16",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Guard validates destinations before every hop and at dial time.
type Guard struct {
	blocked  *netipx.IPSet
	resolver Resolver
	exempt   map[string]bool

	blockedCount atomic.Int64
}

// NewGuard creates a guard. exempt lists host:port addresses that are always
// dialled, such as the internal sentinel.
func NewGuard(resolver Resolver, exempt ...string) (*Guard, error) {
	var b netipx.IPSetBuilder
	for _, cidr := range BlockedRanges {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid blocked range %q: %w", cidr, err)
		}
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("ssrf: building blocked set: %w", err)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	g := &Guard{
		blocked:  set,
		resolver: resolver,
		exempt:   make(map[string]bool, len(exempt)),
	}
	for _, e := range exempt {
		g.exempt[e] = true
	}
	return g, nil
}

// IsBlocked reports whether addr lies in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func (g *Guard) IsBlocked(addr netip.Addr) bool {
	return !addr.IsValid() || g.blocked.Contains(addr.Unmap())
}

// BlockedCount returns the number of rejected destinations.
func (g *Guard) BlockedCount() int64 {
	return g.blockedCount.Load()
}

// Resolve returns the addresses of u's host, or ErrBlocked when the scheme
// is not http(s) or any address is blocked. DNS errors are returned as is.
func (g *Guard) Resolve(ctx context.Context, u *url.URL) ([]netip.Addr, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		g.blockedCount.Add(1)
		return nil, fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	addrs, err := g.lookup(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}
	if err := g.validate(u.Hostname(), addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// validate rejects the whole set when any address is blocked.
func (g *Guard) validate(host string, addrs []netip.Addr) error {
	for _, a := range addrs {
		if g.IsBlocked(a) {
			g.blockedCount.Add(1)
			return fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, a)
		}
	}
	return nil
}

type resolvedKey struct{}

type resolved struct {
	host  string
	addrs []netip.Addr
}

// withResolved attaches a validated resolution so the dialer does not look
// the host up a second time.
func withResolved(ctx context.Context, host string, addrs []netip.Addr) context.Context {
	return context.WithValue(ctx, resolvedKey{}, resolved{host: host, addrs: addrs})
}

// DialContext wraps dial so every new connection goes to a validated
// address. A host resolved by Resolve for this hop is not looked up again.
func (g *Guard) DialContext(dial DialFunc) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if g.exempt[addr] {
			return dial(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
		}

		var addrs []netip.Addr
		if r, ok := ctx.Value(resolvedKey{}).(resolved); ok && r.host == host {
			addrs = r.addrs
		} else if addrs, err = g.lookup(ctx, host); err != nil {
			return nil, err
		}

		// Re-validate; a mismatch here fails closed
		if err := g.validate(host, addrs); err != nil {
			return nil, err
		}

		var lastErr error
		for _, a := range addrs {
			conn, err := dial(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	}
}
