package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"
)

// fakeResolver answers from a fixed table.
type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out, nil
}

// routedDial sends connections for public test addresses to local servers.
func routedDial(routes map[string]string) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if target, ok := routes[addr]; ok {
			return d.DialContext(ctx, network, target)
		}
		host, _, _ := net.SplitHostPort(addr)
		if host == "127.0.0.1" {
			return d.DialContext(ctx, network, addr)
		}
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
}

func newSentinel(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Bad Request"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

type testEnv struct {
	dispatcher *Dispatcher
	upstream   *httptest.Server
	blocked    []string
}

func newTestEnv(t *testing.T, handler http.Handler, timeout time.Duration) *testEnv {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)
	sentinel := newSentinel(t)

	env := &testEnv{upstream: upstream}
	d, err := NewDispatcher(Config{
		SentinelURL: sentinel.URL + "/error",
		Timeout:     timeout,
		Resolver: fakeResolver{
			"api.example.com":     {"93.184.216.34"},
			"cdn.example.net":     {"93.184.216.34"},
			"down.example.com":    {"93.184.216.35"},
			"private.example.com": {"192.168.1.5"},
			"mixed.example.com":   {"93.184.216.34", "10.0.0.1"},
		},
		Dial: routedDial(map[string]string{
			"93.184.216.34:80": upstream.Listener.Addr().String(),
		}),
		OnBlocked: func(u *url.URL) { env.blocked = append(env.blocked, u.String()) },
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	env.dispatcher = d
	return env
}
