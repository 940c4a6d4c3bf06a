package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	cferrors "github.com/corsfix/proxy/internal/errors"
)

func chainHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	mux.HandleFunc("/chain/", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/chain/"))
		if n == 0 {
			w.Write([]byte("done"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/chain/%d", n-1), http.StatusFound)
	})
	mux.HandleFunc("/relative", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "ok")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/no-location", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
		w.Write([]byte("stay"))
	})
	mux.HandleFunc("/to-private", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://private.example.com/admin", http.StatusFound)
	})
	mux.HandleFunc("/to-metadata", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/see-other", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/method", http.StatusSeeOther)
	})
	mux.HandleFunc("/keep-method", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/method", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/method", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Method, b)
	})
	mux.HandleFunc("/cross-host", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://cdn.example.net/auth", http.StatusFound)
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "auth=%q", r.Header.Get("Authorization"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	return mux
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func get(t *testing.T, env *testEnv, rawURL string) (*http.Response, error) {
	t.Helper()
	return env.dispatcher.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    mustURL(t, rawURL),
		Header: http.Header{},
	})
}

func TestDispatcherSimpleGet(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	resp, err := get(t, env, "http://api.example.com/ok")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || readBody(t, resp) != "hello" {
		t.Errorf("unexpected response %d", resp.StatusCode)
	}
}

func TestDispatcherRedirectLimit(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)

	resp, err := get(t, env, "http://api.example.com/chain/5")
	if err != nil {
		t.Fatalf("5 redirects should be followed: %v", err)
	}
	if body := readBody(t, resp); body != "done" {
		t.Errorf("body = %q", body)
	}

	_, err = get(t, env, "http://api.example.com/chain/6")
	if cferrors.KindOf(err) != cferrors.TargetUnreachable {
		t.Errorf("6 redirects: kind = %v, want target_unreachable (err %v)", cferrors.KindOf(err), err)
	}
}

func TestDispatcherRelativeLocation(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	resp, err := get(t, env, "http://api.example.com/relative")
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, resp); body != "hello" {
		t.Errorf("body = %q", body)
	}
}

func TestDispatcherRedirectWithoutLocation(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	resp, err := get(t, env, "http://api.example.com/no-location")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound || readBody(t, resp) != "stay" {
		t.Errorf("3xx without Location should be returned as is, got %d", resp.StatusCode)
	}
}

func TestDispatcherBlockedTargetHitsSentinel(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	for _, target := range []string{
		"http://private.example.com/admin",
		"http://mixed.example.com/",
		"http://127.0.0.1:22/",
		"http://[::1]/",
	} {
		resp, err := get(t, env, target)
		if err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want sentinel 400", target, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if len(env.blocked) != 4 {
		t.Errorf("blocked hops = %d, want 4", len(env.blocked))
	}
}

func TestDispatcherBlockedRedirectHop(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	for _, path := range []string{"/to-private", "/to-metadata"} {
		resp, err := get(t, env, "http://api.example.com"+path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want sentinel 400", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestDispatcherMethodRewrite(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	tests := []struct {
		path string
		want string
	}{
		{"/see-other", "GET "},
		{"/keep-method", "POST payload"},
	}
	for _, tt := range tests {
		resp, err := env.dispatcher.Do(context.Background(), Request{
			Method: http.MethodPost,
			URL:    mustURL(t, "http://api.example.com"+tt.path),
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte("payload"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := readBody(t, resp); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDispatcherCrossHostDropsCredentials(t *testing.T) {
	env := newTestEnv(t, chainHandler(), time.Second)
	resp, err := env.dispatcher.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    mustURL(t, "http://api.example.com/cross-host"),
		Header: http.Header{"Authorization": {"Bearer secret"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, resp); got != `auth=""` {
		t.Errorf("got %s", got)
	}
}

func TestDispatcherErrorClassification(t *testing.T) {
	env := newTestEnv(t, chainHandler(), 100*time.Millisecond)

	_, err := get(t, env, "http://nowhere.example.com/")
	if k := cferrors.KindOf(err); k != cferrors.TargetNotFound {
		t.Errorf("nxdomain: kind = %v", k)
	}

	_, err = get(t, env, "http://down.example.com/")
	if k := cferrors.KindOf(err); k != cferrors.TargetUnreachable {
		t.Errorf("refused: kind = %v", k)
	}

	_, err = get(t, env, "http://api.example.com/slow")
	if k := cferrors.KindOf(err); k != cferrors.Timeout {
		t.Errorf("slow: kind = %v (%v)", k, err)
	}
}

func TestDispatcherCallerCancel(t *testing.T) {
	env := newTestEnv(t, chainHandler(), 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := env.dispatcher.Do(ctx, Request{Method: http.MethodGet, URL: mustURL(t, "http://api.example.com/slow"), Header: http.Header{}})
	if err == nil {
		t.Fatal("expected error")
	}
	if k := cferrors.KindOf(err); k != 0 {
		t.Errorf("caller cancellation should not map to a catalog error, got %v", err)
	}
}
