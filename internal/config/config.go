// Package config loads the auctioneer configuration from the environment
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/targeting"
	"github.com/StreetsDigital/thenexusengine/auctioneer/pkg/logger"
)

// Cache backends
const (
	CacheBackendNone  = "none"
	CacheBackendHTTP  = "http"
	CacheBackendRedis = "redis"
)

// Config holds the auctioneer service configuration.
type Config struct {
	// Server
	Port            int           `env:"PORT" envDefault:"8000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxRequestSize  int64         `env:"MAX_REQUEST_SIZE" envDefault:"1048576"`
	MaxURLLength    int           `env:"MAX_URL_LENGTH" envDefault:"8192"`
	CORSEnabled     bool          `env:"CORS_ENABLED" envDefault:"true"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Auction
	AuctionTimeoutMS     int      `env:"AUCTION_TIMEOUT_MS" envDefault:"1000"`
	TimeoutBufferMS      int      `env:"TIMEOUT_BUFFER_MS" envDefault:"400"`
	MaxRequestsPerOrigin int      `env:"MAX_REQUESTS_PER_ORIGIN" envDefault:"21"`
	RetainedAuctions     int      `env:"RETAINED_AUCTIONS" envDefault:"100"`
	SecondaryBidders     []string `env:"SECONDARY_BIDDERS" envSeparator:","`
	UserSyncDelayMS      int      `env:"USER_SYNC_DELAY_MS" envDefault:"3000"`
	UserSyncOverride     bool     `env:"USER_SYNC_OVERRIDE" envDefault:"false"`

	// Targeting
	PriceGranularity      string  `env:"PRICE_GRANULARITY" envDefault:"medium"`
	GranularityMultiplier float64 `env:"GRANULARITY_MULTIPLIER" envDefault:"1"`

	// Cache
	CacheBackend         string `env:"CACHE_BACKEND" envDefault:"none"`
	CacheURL             string `env:"CACHE_URL"`
	CacheBatchSize       int    `env:"CACHE_BATCH_SIZE" envDefault:"1"`
	CacheBatchTimeoutMS  int    `env:"CACHE_BATCH_TIMEOUT_MS" envDefault:"0"`
	CacheStoreTimeoutMS  int    `env:"CACHE_STORE_TIMEOUT_MS" envDefault:"1000"`
	IgnoreBidderCacheKey bool   `env:"IGNORE_BIDDER_CACHE_KEY" envDefault:"false"`
	CacheRedisPrefix     string `env:"CACHE_REDIS_PREFIX" envDefault:"vast:"`

	// Redis
	RedisURL             string        `env:"REDIS_URL"`
	DynamicRefreshPeriod time.Duration `env:"DYNAMIC_REFRESH_PERIOD" envDefault:"30s"`

	// Observability
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"hb"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.AuctionTimeoutMS < 1 {
		return fmt.Errorf("auction timeout must be at least 1ms, got %dms", c.AuctionTimeoutMS)
	}
	if c.TimeoutBufferMS < 0 {
		return fmt.Errorf("timeout buffer must not be negative, got %dms", c.TimeoutBufferMS)
	}
	if c.MaxRequestsPerOrigin < 1 {
		return fmt.Errorf("max requests per origin must be at least 1, got %d", c.MaxRequestsPerOrigin)
	}

	// custom tables cannot be expressed in a single variable
	g := targeting.Granularity(c.PriceGranularity)
	if !g.Valid() || g == targeting.GranularityCustom {
		return fmt.Errorf("invalid price granularity: %s", c.PriceGranularity)
	}
	if c.GranularityMultiplier <= 0 {
		return fmt.Errorf("granularity multiplier must be positive, got %v", c.GranularityMultiplier)
	}

	switch c.CacheBackend {
	case CacheBackendNone:
	case CacheBackendHTTP:
		if c.CacheURL == "" {
			return fmt.Errorf("CACHE_URL is required for the http cache backend")
		}
	case CacheBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis cache backend")
		}
		if c.CacheURL == "" {
			return fmt.Errorf("CACHE_URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.CacheBackend)
	}
	if c.CacheBatchSize < 1 {
		return fmt.Errorf("cache batch size must be at least 1, got %d", c.CacheBatchSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CacheEnabled reports whether a cache backend is configured
func (c *Config) CacheEnabled() bool {
	return c.CacheBackend != CacheBackendNone
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Logger returns the logger configuration
func (c *Config) Logger() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	return lc
}

// Exchange returns the exchange configuration
func (c *Config) Exchange() *exchange.Config {
	ec := exchange.DefaultConfig()
	ec.DefaultTimeout = ms(c.AuctionTimeoutMS)
	ec.TimeoutBuffer = ms(c.TimeoutBufferMS)
	ec.RetainedAuctions = c.RetainedAuctions
	ec.SecondaryBidders = c.SecondaryBidders
	ec.UserSync.Delay = ms(c.UserSyncDelayMS)
	ec.UserSync.Override = c.UserSyncOverride

	ec.Admission.MaxRequestsPerOrigin = c.MaxRequestsPerOrigin

	ec.Targeting.PriceGranularity = targeting.PriceGranularity{Name: targeting.Granularity(c.PriceGranularity)}
	ec.Targeting.GranularityMultiplier = c.GranularityMultiplier

	if c.CacheEnabled() {
		ec.Cache.URL = c.CacheURL
	}
	ec.Cache.BatchSize = c.CacheBatchSize
	ec.Cache.BatchTimeout = ms(c.CacheBatchTimeoutMS)
	ec.Cache.StoreTimeout = ms(c.CacheStoreTimeoutMS)
	ec.Cache.IgnoreBidderCacheKey = c.IgnoreBidderCacheKey
	return ec
}

// CORS returns the CORS middleware configuration
func (c *Config) CORS() *middleware.CORSConfig {
	cc := middleware.DefaultCORSConfig()
	cc.Enabled = c.CORSEnabled
	cc.AllowedOrigins = c.CORSOrigins
	return cc
}

// SizeLimit returns the request size limit configuration
func (c *Config) SizeLimit() *middleware.SizeLimitConfig {
	sc := middleware.DefaultSizeLimitConfig()
	sc.MaxBodySize = c.MaxRequestSize
	sc.MaxURLLength = c.MaxURLLength
	return sc
}
