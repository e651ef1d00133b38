package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ad selection service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Auction    AuctionConfig
	Histogram  HistogramConfig
	Reporting  ReportingConfig
	Fetch      FetchConfig
	Enrollment EnrollmentConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the API call stats sink.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	User          string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// RateLimitConfig configures the HTTP limiter and the per caller package
// throttle applied by the service filter.
type RateLimitConfig struct {
	Enabled      bool
	RPS          float64
	Burst        int
	PackageRPS   float64
	PackageBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// AuctionConfig holds ad selection limits and feature switches.
type AuctionConfig struct {
	BiddingTimeoutPerCA          time.Duration
	BiddingTimeoutPerBuyer       time.Duration
	ScoringTimeout               time.Duration
	OverallTimeout               time.Duration
	SelectionFromOutcomesTimeout time.Duration
	MaxConcurrentBiddingCount    int
	CustomAudienceActiveWindow   time.Duration

	ContextualAdsEnabled bool
	FilteringEnabled     bool
	PrebuiltURIEnabled   bool

	MaxIDGenerationAttempts int
	EnforceMaxHeapSize      bool
	MaxHeapSizeBytes        int64
	JSVersionRequested      int64

	ConsentRevokedPackages []string
}

// HistogramConfig bounds the frequency cap event table.
type HistogramConfig struct {
	AbsoluteMaxEventCount int
	LowerMaxEventCount    int
}

// ReportingConfig holds impression and interaction reporting limits.
type ReportingConfig struct {
	ReportImpressionTimeout              time.Duration
	RegisterAdBeaconEnabled              bool
	MaxRegisteredAdBeaconsTotal          int
	MaxRegisteredAdBeaconsPerAdTechCount int
	MaxInteractionKeySizeB               int
	MaxInteractionReportingURIs          int
}

// FetchConfig configures outbound ad tech calls.
type FetchConfig struct {
	HTTPTimeout      time.Duration
	CacheEnabled     bool
	CacheTTL         time.Duration
	MaxResponseBytes int64
}

// EnrollmentConfig lists ad techs allowed to take part in auctions.
type EnrollmentConfig struct {
	CheckDisabled   bool
	EnrolledAdTechs []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADSELECTION_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADSELECTION_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADSELECTION_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("ADSELECTION_DB_ENABLED", false),
			Host:     getEnv("ADSELECTION_DB_HOST", "localhost"),
			Port:     getIntEnv("ADSELECTION_DB_PORT", 5432),
			User:     getEnv("ADSELECTION_DB_USER", "adselection"),
			Password: getEnv("ADSELECTION_DB_PASSWORD", "adselection_secret"),
			DBName:   getEnv("ADSELECTION_DB_NAME", "adselection"),
			SSLMode:  getEnv("ADSELECTION_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADSELECTION_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ADSELECTION_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("ADSELECTION_REDIS_ENABLED", false),
			Addr:     getEnv("ADSELECTION_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADSELECTION_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADSELECTION_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("ADSELECTION_CLICKHOUSE_ENABLED", false),
			Addr:          getEnv("ADSELECTION_CLICKHOUSE_ADDR", ""),
			Database:      getEnv("ADSELECTION_CLICKHOUSE_DATABASE", "adselection"),
			User:          getEnv("ADSELECTION_CLICKHOUSE_USER", "default"),
			Password:      getEnv("ADSELECTION_CLICKHOUSE_PASSWORD", ""),
			BatchSize:     getIntEnv("ADSELECTION_CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDurationEnv("ADSELECTION_CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getBoolEnv("ADSELECTION_RATE_LIMIT_ENABLED", true),
			RPS:          getFloatEnv("ADSELECTION_RATE_LIMIT_RPS", 1000),
			Burst:        getIntEnv("ADSELECTION_RATE_LIMIT_BURST", 100),
			PackageRPS:   getFloatEnv("ADSELECTION_RATE_LIMIT_PACKAGE_RPS", 1),
			PackageBurst: getIntEnv("ADSELECTION_RATE_LIMIT_PACKAGE_BURST", 5),
		},
		Log: LogConfig{
			Level:  getEnv("ADSELECTION_LOG_LEVEL", "info"),
			Format: getEnv("ADSELECTION_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ADSELECTION_METRICS_ENABLED", true),
			Path:    getEnv("ADSELECTION_METRICS_PATH", "/metrics"),
		},
		Auction: AuctionConfig{
			BiddingTimeoutPerCA:          getDurationEnv("ADSELECTION_BIDDING_TIMEOUT_PER_CA", 5*time.Second),
			BiddingTimeoutPerBuyer:       getDurationEnv("ADSELECTION_BIDDING_TIMEOUT_PER_BUYER", 10*time.Second),
			ScoringTimeout:               getDurationEnv("ADSELECTION_SCORING_TIMEOUT", 5*time.Second),
			OverallTimeout:               getDurationEnv("ADSELECTION_OVERALL_TIMEOUT", 10*time.Second),
			SelectionFromOutcomesTimeout: getDurationEnv("ADSELECTION_FROM_OUTCOMES_TIMEOUT", 2*time.Second),
			MaxConcurrentBiddingCount:    getIntEnv("ADSELECTION_MAX_CONCURRENT_BIDDING_COUNT", 6),
			CustomAudienceActiveWindow:   getDurationEnv("ADSELECTION_CA_ACTIVE_WINDOW", 60*24*time.Hour),
			ContextualAdsEnabled:         getBoolEnv("ADSELECTION_CONTEXTUAL_ADS_ENABLED", true),
			FilteringEnabled:             getBoolEnv("ADSELECTION_FILTERING_ENABLED", true),
			PrebuiltURIEnabled:           getBoolEnv("ADSELECTION_PREBUILT_URI_ENABLED", true),
			MaxIDGenerationAttempts:      getIntEnv("ADSELECTION_MAX_ID_GENERATION_ATTEMPTS", 64),
			EnforceMaxHeapSize:           getBoolEnv("ADSELECTION_ENFORCE_MAX_HEAP_SIZE", true),
			MaxHeapSizeBytes:             int64(getIntEnv("ADSELECTION_MAX_HEAP_SIZE_BYTES", 10*1024*1024)),
			JSVersionRequested:           int64(getIntEnv("ADSELECTION_JS_VERSION_REQUESTED", 3)),
			ConsentRevokedPackages:       getSliceEnv("ADSELECTION_CONSENT_REVOKED_PACKAGES", nil),
		},
		Histogram: HistogramConfig{
			AbsoluteMaxEventCount: getIntEnv("ADSELECTION_HISTOGRAM_ABSOLUTE_MAX", 10000),
			LowerMaxEventCount:    getIntEnv("ADSELECTION_HISTOGRAM_LOWER_MAX", 9500),
		},
		Reporting: ReportingConfig{
			ReportImpressionTimeout:              getDurationEnv("ADSELECTION_REPORT_IMPRESSION_TIMEOUT", 2*time.Second),
			RegisterAdBeaconEnabled:              getBoolEnv("ADSELECTION_REGISTER_AD_BEACON_ENABLED", true),
			MaxRegisteredAdBeaconsTotal:          getIntEnv("ADSELECTION_MAX_REGISTERED_AD_BEACONS_TOTAL", 1000),
			MaxRegisteredAdBeaconsPerAdTechCount: getIntEnv("ADSELECTION_MAX_REGISTERED_AD_BEACONS_PER_AD_TECH", 10),
			MaxInteractionKeySizeB:               getIntEnv("ADSELECTION_MAX_INTERACTION_KEY_SIZE_B", 40),
			MaxInteractionReportingURIs:          getIntEnv("ADSELECTION_MAX_INTERACTION_REPORTING_URIS", 10),
		},
		Fetch: FetchConfig{
			HTTPTimeout:      getDurationEnv("ADSELECTION_HTTP_TIMEOUT", 5*time.Second),
			CacheEnabled:     getBoolEnv("ADSELECTION_HTTP_CACHE_ENABLED", true),
			CacheTTL:         getDurationEnv("ADSELECTION_HTTP_CACHE_TTL", 24*time.Hour),
			MaxResponseBytes: int64(getIntEnv("ADSELECTION_HTTP_MAX_RESPONSE_BYTES", 1024*1024)),
		},
		Enrollment: EnrollmentConfig{
			CheckDisabled:   getBoolEnv("ADSELECTION_ENROLLMENT_CHECK_DISABLED", false),
			EnrolledAdTechs: getSliceEnv("ADSELECTION_ENROLLED_AD_TECHS", nil),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	a := c.Auction
	if a.MaxConcurrentBiddingCount <= 0 {
		return fmt.Errorf("ADSELECTION_MAX_CONCURRENT_BIDDING_COUNT must be positive")
	}
	timeouts := map[string]time.Duration{
		"ADSELECTION_BIDDING_TIMEOUT_PER_CA":    a.BiddingTimeoutPerCA,
		"ADSELECTION_BIDDING_TIMEOUT_PER_BUYER": a.BiddingTimeoutPerBuyer,
		"ADSELECTION_SCORING_TIMEOUT":           a.ScoringTimeout,
		"ADSELECTION_OVERALL_TIMEOUT":           a.OverallTimeout,
		"ADSELECTION_FROM_OUTCOMES_TIMEOUT":     a.SelectionFromOutcomesTimeout,
		"ADSELECTION_REPORT_IMPRESSION_TIMEOUT": c.Reporting.ReportImpressionTimeout,
		"ADSELECTION_HTTP_TIMEOUT":              c.Fetch.HTTPTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if a.MaxIDGenerationAttempts <= 0 {
		return fmt.Errorf("ADSELECTION_MAX_ID_GENERATION_ATTEMPTS must be positive")
	}
	if c.Histogram.LowerMaxEventCount > c.Histogram.AbsoluteMaxEventCount {
		return fmt.Errorf("ADSELECTION_HISTOGRAM_LOWER_MAX must not exceed ADSELECTION_HISTOGRAM_ABSOLUTE_MAX")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Addr == "" {
		return fmt.Errorf("ADSELECTION_CLICKHOUSE_ADDR is required when ClickHouse is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
