package commands

import (
	"fmt"
	"net/url"
	"time"

	"uisassist-backend/internal/cache"
	"uisassist-backend/internal/components/telemetry"
)

type CacheConfig struct {
	// Driver is one of sqlite, redis or badger, defaults to sqlite.
	Driver string            `json:"driver"`
	Path   string            `json:"path"`
	Redis  cache.RedisConfig `json:"redis"`
	// durations are go duration strings like "5m"
	ShortTtl string `json:"short_ttl"`
	LongTtl  string `json:"long_ttl"`
	Encrypt  bool   `json:"encrypt"`
}

type CrawlConfig struct {
	MaxDepth        int    `json:"max_depth"`
	Concurrency     int    `json:"concurrency"`
	ListingEndpoint string `json:"listing_endpoint"`
	DownloadMarker  string `json:"download_marker"`
}

type BookingConfig struct {
	Tick string `json:"tick"`
}

type WatchConfig struct {
	// Cron is a standard 5 field cron spec.
	Cron string `json:"cron"`
}

type Config struct {
	BaseUrl           string               `json:"base_url"`
	AllowedHost       string               `json:"allowed_host"`
	Username          string               `json:"username"`
	Password          string               `json:"password"`
	DocumentsBasePath string               `json:"documents_base_path"`
	ExamPage          string               `json:"exam_page"`
	RateLimit         float64              `json:"rate_limit"`
	Cache             CacheConfig          `json:"cache"`
	Log               telemetry.LogConfig  `json:"log"`
	Otlp              telemetry.OtlpConfig `json:"otlp"`
	Crawl             CrawlConfig          `json:"crawl"`
	Booking           BookingConfig        `json:"booking"`
	Watch             WatchConfig          `json:"watch"`
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, value)
	}
	return d, nil
}

// Windows returns the cache freshness windows, unset values keep their
// defaults.
func (c Config) Windows() (cache.Windows, error) {
	short, err := parseDuration("cache.short_ttl", c.Cache.ShortTtl, cache.DefaultWindows.Short)
	if err != nil {
		return cache.Windows{}, err
	}
	long, err := parseDuration("cache.long_ttl", c.Cache.LongTtl, cache.DefaultWindows.Long)
	if err != nil {
		return cache.Windows{}, err
	}
	return cache.Windows{Short: short, Long: long}, nil
}

func (c Config) Tick() (time.Duration, error) {
	return parseDuration("booking.tick", c.Booking.Tick, time.Second)
}

// Host is the allowed portal host, defaulting to the host of base_url.
func (c Config) Host() string {
	if c.AllowedHost != "" {
		return c.AllowedHost
	}
	base, err := url.Parse(c.BaseUrl)
	if err != nil {
		return ""
	}
	return base.Hostname()
}

// DocumentsUrl is the root folder links given on the command line resolve
// against.
func (c Config) DocumentsUrl() (string, error) {
	base, err := url.Parse(c.BaseUrl)
	if err != nil {
		return "", fmt.Errorf("base_url: %w", err)
	}
	path := c.DocumentsBasePath
	if path == "" {
		path = "/auth/dok_server/"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("documents_base_path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c Config) Validate() error {
	if c.BaseUrl == "" || c.Host() == "" {
		return fmt.Errorf("base_url is required and must be an absolute url")
	}
	switch c.Cache.Driver {
	case "", "sqlite", "redis", "badger":
	default:
		return fmt.Errorf("cache.driver: unknown driver %q", c.Cache.Driver)
	}
	switch c.Log.Backend {
	case "", "slog", "zap":
	default:
		return fmt.Errorf("log.backend: unknown backend %q", c.Log.Backend)
	}
	_, err := c.Windows()
	if err != nil {
		return err
	}
	_, err = c.Tick()
	return err
}
