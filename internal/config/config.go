package config

import (
	"time"
)

// Plan modes
const (
	ModeCloud    = "cloud"
	ModeSelfHost = "selfhost"
)

// Rate limit key selectors
const (
	RateLimitKeyIP     = "ip"
	RateLimitKeyUserID = "user_id"
)

// Config represents the complete proxy configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Plans   PlansConfig   `yaml:"plans"`
	Caches  CachesConfig  `yaml:"caches"`
	Usage   UsageConfig   `yaml:"usage"`
}

// ListenConfig defines the public HTTP listener
type ListenConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the admin listener serving /metrics and /healthz
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Encoding  string            `yaml:"encoding"` // json or console
	Output    string            `yaml:"output"`   // stdout, stderr or file path
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// RedisConfig configures the shared Redis used for rate limiting, dedup and pub/sub.
// An empty Address selects the in-process implementations.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding Redis calls
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// StoreConfig configures the SQLite reference store
type StoreConfig struct {
	Path string `yaml:"path"`
	// EncryptionKey is a hex encoded 32 byte key used to seal secret values.
	EncryptionKey string `yaml:"encryption_key"`
}

// BusConfig selects the cache invalidation bus.
// Driver is "redis" or "pubsub"; pubsub uses URLPrefix + channel as the Go CDK
// topic/subscription URL (e.g. "mem://" or "rabbit://").
type BusConfig struct {
	Driver    string `yaml:"driver"`
	URLPrefix string `yaml:"url_prefix"`
	// SubscriptionURLPrefix defaults to URLPrefix. Brokers that bind one
	// queue per instance (rabbit://) set it to the instance's queue prefix.
	SubscriptionURLPrefix string `yaml:"subscription_url_prefix"`
}

// ProxyConfig defines request handling limits and behaviour
type ProxyConfig struct {
	MaxRequestBytes  int64         `yaml:"max_request_bytes"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	MaxRedirects     int           `yaml:"max_redirects"`
	TextOnly         bool          `yaml:"text_only"`
	MarketingURL     string        `yaml:"marketing_url"`
	// SentinelURL receives hops rewritten by the SSRF guard. Empty derives
	// http://127.0.0.1:<listen port>/error.
	SentinelURL    string   `yaml:"sentinel_url"`
	ClientIPHeader string   `yaml:"client_ip_header"`
	LocalDomains   []string `yaml:"local_domains"`
	LocalRPM       int      `yaml:"local_rpm"`
}

// PlansConfig defines deployment mode and plan quotas
type PlansConfig struct {
	Mode         string          `yaml:"mode"`
	SelfHostRPM  int             `yaml:"selfhost_rpm"`
	TrialRPM     int             `yaml:"trial_rpm"`
	TrialBytes   int64           `yaml:"trial_bytes"`
	Products     []ProductConfig `yaml:"products"`
	ProductsFile string          `yaml:"products_file"`
}

// ProductConfig is a paid plan
type ProductConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	RPM          int    `yaml:"rpm"`
	RateLimitKey string `yaml:"rate_limit_key"`
}

// ProductsFile is the document shape of plans.products_file
type ProductsFile struct {
	Products []ProductConfig `yaml:"products"`
}

// CachesConfig defines lookup cache sizes and TTLs
type CachesConfig struct {
	Size           int           `yaml:"size"`
	ApplicationTTL time.Duration `yaml:"application_ttl"`
	UserTTL        time.Duration `yaml:"user_ttl"`
	APIKeyTTL      time.Duration `yaml:"api_key_ttl"`
	UsageTTL       time.Duration `yaml:"usage_ttl"`
}

// UsageConfig defines metrics batching and dedup
type UsageConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
	DedupSize     int           `yaml:"dedup_size"`
}

// DefaultLocalDomains are origin hostnames always treated as local.
var DefaultLocalDomains = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"corsfix.com",
	"app.corsfix.com",
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Encoding:  "json",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			Timeout: 100 * time.Millisecond,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
		Store: StoreConfig{
			Path: "corsfix.db",
		},
		Bus: BusConfig{
			Driver:    "pubsub",
			URLPrefix: "mem://",
		},
		Proxy: ProxyConfig{
			MaxRequestBytes:  5 << 20,
			MaxResponseBytes: 1 << 20,
			UpstreamTimeout:  20 * time.Second,
			MaxRedirects:     5,
			MarketingURL:     "https://corsfix.com",
			ClientIPHeader:   "X-Real-IP",
			LocalDomains:     append([]string(nil), DefaultLocalDomains...),
			LocalRPM:         60,
		},
		Plans: PlansConfig{
			Mode:        ModeCloud,
			SelfHostRPM: 180,
			TrialRPM:    60,
			TrialBytes:  1_000_000_000,
		},
		Caches: CachesConfig{
			Size:           10000,
			ApplicationTTL: time.Minute,
			UserTTL:        time.Minute,
			APIKeyTTL:      5 * time.Minute,
			UsageTTL:       time.Minute,
		},
		Usage: UsageConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			QueueSize:     10000,
			DedupSize:     100000,
		},
	}
}

// ProductByID returns the product with the given id.
func (p *PlansConfig) ProductByID(id string) (ProductConfig, bool) {
	for _, prod := range p.Products {
		if prod.ID == id {
			return prod, true
		}
	}
	return ProductConfig{}, false
}
