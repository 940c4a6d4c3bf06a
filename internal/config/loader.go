package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A relative plans.products_file
// is resolved against the config file's directory and loaded over plans.products.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	if pf := cfg.Plans.ProductsFile; pf != "" {
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
			cfg.Plans.ProductsFile = pf
		}
		products, err := l.LoadProducts(pf)
		if err != nil {
			return nil, err
		}
		cfg.Plans.Products = products
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// LoadProducts reads a products file.
func (l *Loader) LoadProducts(path string) ([]ProductConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read products file: %w", err)
	}
	var pf ProductsFile
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), &pf); err != nil {
		return nil, fmt.Errorf("failed to parse products file: %w", err)
	}
	if err := validateProducts(pf.Products); err != nil {
		return nil, err
	}
	return pf.Products, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: invalid level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.encoding: must be json or console, got %q", cfg.Logging.Encoding)
	}

	if cfg.Store.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.Store.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("store.encryption_key must be 64 hex characters")
		}
	}

	switch cfg.Bus.Driver {
	case "pubsub":
		if cfg.Bus.URLPrefix == "" {
			return fmt.Errorf("bus.url_prefix is required for the pubsub driver")
		}
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("bus.driver redis requires redis.address")
		}
	case "none":
	default:
		return fmt.Errorf("bus.driver: must be redis, pubsub or none, got %q", cfg.Bus.Driver)
	}

	p := cfg.Proxy
	if p.MaxRequestBytes <= 0 {
		return fmt.Errorf("proxy.max_request_bytes must be > 0")
	}
	if p.MaxResponseBytes <= 0 {
		return fmt.Errorf("proxy.max_response_bytes must be > 0")
	}
	if p.UpstreamTimeout <= 0 {
		return fmt.Errorf("proxy.upstream_timeout must be > 0")
	}
	if p.MaxRedirects < 0 {
		return fmt.Errorf("proxy.max_redirects must be >= 0")
	}
	if p.LocalRPM <= 0 {
		return fmt.Errorf("proxy.local_rpm must be > 0")
	}
	if p.MarketingURL != "" {
		if u, err := url.Parse(p.MarketingURL); err != nil || u.Host == "" {
			return fmt.Errorf("proxy.marketing_url is not an absolute URL: %q", p.MarketingURL)
		}
	}
	if p.SentinelURL != "" {
		if u, err := url.Parse(p.SentinelURL); err != nil || u.Host == "" {
			return fmt.Errorf("proxy.sentinel_url is not an absolute URL: %q", p.SentinelURL)
		}
	}

	switch cfg.Plans.Mode {
	case ModeCloud, ModeSelfHost:
	default:
		return fmt.Errorf("plans.mode: must be %s or %s, got %q", ModeCloud, ModeSelfHost, cfg.Plans.Mode)
	}
	if cfg.Plans.SelfHostRPM <= 0 || cfg.Plans.TrialRPM <= 0 {
		return fmt.Errorf("plans: selfhost_rpm and trial_rpm must be > 0")
	}
	if cfg.Plans.TrialBytes <= 0 {
		return fmt.Errorf("plans.trial_bytes must be > 0")
	}
	if err := validateProducts(cfg.Plans.Products); err != nil {
		return err
	}

	c := cfg.Caches
	if c.Size <= 0 {
		return fmt.Errorf("caches.size must be > 0")
	}
	if c.ApplicationTTL <= 0 || c.UserTTL <= 0 || c.APIKeyTTL <= 0 || c.UsageTTL <= 0 {
		return fmt.Errorf("caches: ttls must be > 0")
	}

	u := cfg.Usage
	if u.BatchSize <= 0 || u.QueueSize <= 0 || u.DedupSize <= 0 {
		return fmt.Errorf("usage: batch_size, queue_size and dedup_size must be > 0")
	}
	if u.FlushInterval <= 0 {
		return fmt.Errorf("usage.flush_interval must be > 0")
	}

	return nil
}

func validateProducts(products []ProductConfig) error {
	ids := make(map[string]bool, len(products))
	for i, prod := range products {
		if prod.ID == "" {
			return fmt.Errorf("product %d: id is required", i)
		}
		if ids[prod.ID] {
			return fmt.Errorf("duplicate product id: %s", prod.ID)
		}
		ids[prod.ID] = true
		if prod.RPM <= 0 {
			return fmt.Errorf("product %s: rpm must be > 0", prod.ID)
		}
		switch prod.RateLimitKey {
		case "", RateLimitKeyIP, RateLimitKeyUserID:
		default:
			return fmt.Errorf("product %s: rate_limit_key must be %s or %s", prod.ID, RateLimitKeyIP, RateLimitKeyUserID)
		}
	}
	return nil
}
