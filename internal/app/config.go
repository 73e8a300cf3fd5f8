package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// Config holds the complete application configuration, loadable from
// environment variables (COUPON_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (COUPON_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (COUPON_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Cache        CacheConfig
	Sweeper      SweeperConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// CacheConfig controls the read-through cache in front of code lookups.
// Invalidation is local to the process, so TTL bounds how long other
// replicas and the standalone sweeper can leave a stale status visible.
type CacheConfig struct {
	Enabled bool          `default:"true" usage:"Cache coupon lookups by code"`
	TTL     time.Duration `default:"5s"   usage:"Cache entry lifetime"`
}

// SweeperConfig controls the in-process expiration sweeper.
type SweeperConfig struct {
	Enabled       bool          `default:"true"  usage:"Run the expiration sweeper in the server"`
	Interval      time.Duration `default:"1m"    usage:"Time between sweeps"`
	BatchSize     int           `default:"500"   usage:"Coupons expired per transaction" flag:"sweeper-batch-size"`
	MaxRetries    uint64        `default:"3"     usage:"Retries of a failed batch" flag:"sweeper-max-retries"`
	RetryInterval time.Duration `default:"100ms" usage:"Initial backoff between batch retries" flag:"sweeper-retry-interval"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Rate  float64 `default:"20"  usage:"Sustained requests per second per client"`
	Burst int     `default:"40"  usage:"Token bucket size"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig([]string{"config.yaml", "/etc/coupon/config.yaml"}, false)
}

func loadConfig(files []string, skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COUPON",
		SkipFlags: skipFlags,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set COUPON_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Sweeper.Enabled && cfg.Sweeper.Interval <= 0 {
		return nil, errors.Errorf("sweeper interval must be positive, got %s", cfg.Sweeper.Interval)
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the COUPON_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Domain converts the sweeper section to the domain config.
func (c SweeperConfig) Domain() coupon.SweeperConfig {
	return coupon.SweeperConfig{
		BatchSize:     c.BatchSize,
		MaxRetries:    c.MaxRetries,
		RetryInterval: c.RetryInterval,
	}
}
