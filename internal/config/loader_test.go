package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen:
  address: ":9090"
  read_timeout: 10s

redis:
  address: "localhost:6379"

bus:
  driver: redis

proxy:
  upstream_timeout: 15s
  text_only: true
  local_domains: ["localhost", "dev.internal"]

plans:
  mode: selfhost
  selfhost_rpm: 300
  products:
    - id: prod_basic
      name: Basic
      rpm: 120
    - id: prod_pro
      name: Pro
      rpm: 600
      rate_limit_key: user_id
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Listen.Address)
	}
	if cfg.Listen.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listen.ReadTimeout)
	}
	if cfg.Proxy.UpstreamTimeout != 15*time.Second {
		t.Errorf("expected upstream_timeout 15s, got %v", cfg.Proxy.UpstreamTimeout)
	}
	if !cfg.Proxy.TextOnly {
		t.Error("expected text_only true")
	}
	if len(cfg.Proxy.LocalDomains) != 2 || cfg.Proxy.LocalDomains[1] != "dev.internal" {
		t.Errorf("unexpected local_domains %v", cfg.Proxy.LocalDomains)
	}
	if cfg.Plans.Mode != ModeSelfHost || cfg.Plans.SelfHostRPM != 300 {
		t.Errorf("unexpected plans %+v", cfg.Plans)
	}
	// Untouched defaults survive the overlay
	if cfg.Plans.TrialRPM != 60 {
		t.Errorf("expected default trial_rpm 60, got %d", cfg.Plans.TrialRPM)
	}

	prod, ok := cfg.Plans.ProductByID("prod_pro")
	if !ok {
		t.Fatal("expected prod_pro")
	}
	if prod.RPM != 600 || prod.RateLimitKey != RateLimitKeyUserID {
		t.Errorf("unexpected product %+v", prod)
	}
	if _, ok := cfg.Plans.ProductByID("missing"); ok {
		t.Error("unexpected product for unknown id")
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("TEST_STORE_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	yaml := `
redis:
  address: ${TEST_REDIS_ADDR}
store:
  encryption_key: ${TEST_STORE_KEY}
proxy:
  marketing_url: ${TEST_UNSET_VAR_FOR_CORSFIX}
`
	_, err := NewLoader().Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error: unset var is kept literally and is not a URL")
	}

	yaml = `
redis:
  address: ${TEST_REDIS_ADDR}
store:
  encryption_key: ${TEST_STORE_KEY}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Redis.Address != "redis.internal:6379" {
		t.Errorf("expected expanded redis address, got %s", cfg.Redis.Address)
	}
	if len(cfg.Store.EncryptionKey) != 64 {
		t.Errorf("expected expanded encryption key, got %q", cfg.Store.EncryptionKey)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			yaml:    `logging: {level: debug}`,
			wantErr: false,
		},
		{
			name:    "bad level",
			yaml:    `logging: {level: loud}`,
			wantErr: true,
		},
		{
			name:    "bad mode",
			yaml:    `plans: {mode: enterprise}`,
			wantErr: true,
		},
		{
			name:    "redis bus without redis",
			yaml:    `bus: {driver: redis}`,
			wantErr: true,
		},
		{
			name:    "short encryption key",
			yaml:    `store: {encryption_key: "abcd"}`,
			wantErr: true,
		},
		{
			name:    "zero response cap",
			yaml:    `proxy: {max_response_bytes: 0}`,
			wantErr: true,
		},
		{
			name: "duplicate product",
			yaml: `
plans:
  products:
    - {id: a, rpm: 10}
    - {id: a, rpm: 20}
`,
			wantErr: true,
		},
		{
			name: "bad rate limit key",
			yaml: `
plans:
  products:
    - {id: a, rpm: 10, rate_limit_key: origin}
`,
			wantErr: true,
		},
		{
			name:    "relative sentinel",
			yaml:    `proxy: {sentinel_url: "/error"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Listen.Address)
	}
	if cfg.Proxy.MaxRequestBytes != 5*1024*1024 {
		t.Errorf("expected 5 MiB request cap, got %d", cfg.Proxy.MaxRequestBytes)
	}
	if cfg.Proxy.MaxResponseBytes != 1024*1024 {
		t.Errorf("expected 1 MiB response cap, got %d", cfg.Proxy.MaxResponseBytes)
	}
	if cfg.Proxy.UpstreamTimeout != 20*time.Second {
		t.Errorf("expected 20s upstream timeout, got %v", cfg.Proxy.UpstreamTimeout)
	}
	if cfg.Proxy.MaxRedirects != 5 {
		t.Errorf("expected 5 redirects, got %d", cfg.Proxy.MaxRedirects)
	}
	if cfg.Plans.SelfHostRPM != 180 || cfg.Plans.TrialRPM != 60 || cfg.Plans.TrialBytes != 1_000_000_000 {
		t.Errorf("unexpected plan defaults %+v", cfg.Plans)
	}
	if cfg.Caches.APIKeyTTL != 5*time.Minute || cfg.Caches.UserTTL != time.Minute {
		t.Errorf("unexpected cache ttls %+v", cfg.Caches)
	}

	// Defaults must not alias the package-level list
	cfg.Proxy.LocalDomains[0] = "changed"
	if DefaultLocalDomains[0] != "localhost" {
		t.Error("DefaultConfig aliases DefaultLocalDomains")
	}
}

func TestLoadWithProductsFile(t *testing.T) {
	dir := t.TempDir()
	products := `
products:
  - id: prod_x
    name: X
    rpm: 900
`
	if err := os.WriteFile(filepath.Join(dir, "products.yaml"), []byte(products), 0o644); err != nil {
		t.Fatal(err)
	}
	main := `
plans:
  products_file: products.yaml
  products:
    - {id: inline, rpm: 1}
`
	path := filepath.Join(dir, "corsfix.yaml")
	if err := os.WriteFile(path, []byte(main), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Plans.Products) != 1 || cfg.Plans.Products[0].ID != "prod_x" {
		t.Errorf("products file should replace inline products, got %+v", cfg.Plans.Products)
	}
	if cfg.Plans.ProductsFile != filepath.Join(dir, "products.yaml") {
		t.Errorf("products_file not resolved: %s", cfg.Plans.ProductsFile)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", "corsfix.yaml"))
	if err != nil {
		t.Fatalf("shipped config does not load: %v", err)
	}
	if len(cfg.Plans.Products) != 3 {
		t.Errorf("products = %d, want 3", len(cfg.Plans.Products))
	}
	if p, ok := cfg.Plans.ProductByID("prod_pro"); !ok || p.RateLimitKey != RateLimitKeyUserID {
		t.Errorf("prod_pro = %+v, %v", p, ok)
	}
	if cfg.Redis.Address != "" {
		t.Errorf("redis.address = %q, want empty", cfg.Redis.Address)
	}
}
