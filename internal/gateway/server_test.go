package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAdminEndpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = true
	cfg.Admin.Address = "127.0.0.1:0"

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Gateway().Close()

	// Generate one request for the metrics.
	req := httptest.NewRequest("GET", "/https://api.example.com/", nil)
	req.Header.Set("Origin", "https://nobody.example.com")
	s.Gateway().Handler().ServeHTTP(httptest.NewRecorder(), req)

	admin := s.adminHandler()

	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/healthz = %d %s", w.Code, w.Body.String())
	}
	var health map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil || health["status"] != "ok" {
		t.Errorf("health = %v, %v", health, err)
	}

	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `corsfix_requests_total{code="403",status="domain_not_registered"} 1`) {
		t.Errorf("request metric missing:\n%s", w.Body.String())
	}
}

func TestServerStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/up")
	if err != nil {
		t.Fatalf("GET /up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/up = %d", resp.StatusCode)
	}

	if err := s.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestServerStartAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Listen.Address = ln.Addr().String()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	if err := s.Start(); err == nil {
		t.Fatal("expected bind error")
	}
}
