package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the attribution service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Tracking   TrackingConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	// RequestTimeout bounds a single ingestion request, including every
	// cache and store round trip it makes.
	RequestTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int

	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// StatementTimeout bounds every store query so a stuck database fails
	// the request instead of holding it.
	StatementTimeout time.Duration
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// ClickHouseConfig configures the analytics event sink.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// KafkaConfig configures publishing of persisted events for downstream workers.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
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

// GeoConfig configures GeoIP lookup.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// TrackingConfig holds defaults applied when a campaign leaves a setting empty.
type TrackingConfig struct {
	DefaultConversionWindow time.Duration
	DefaultDedupWindow      time.Duration
	SessionInactivity       time.Duration
	SweepInterval           time.Duration
	// CampaignsFile optionally seeds the campaign repository from YAML.
	CampaignsFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ATTRIB_HTTP_ADDR", ":8080"),
			Env:             getEnv("ATTRIB_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ATTRIB_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout:  getDurationEnv("ATTRIB_REQUEST_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ATTRIB_DB_HOST", "localhost"),
			Port:     getIntEnv("ATTRIB_DB_PORT", 5432),
			User:     getEnv("ATTRIB_DB_USER", "attribution"),
			Password: getEnv("ATTRIB_DB_PASSWORD", "attribution_secret"),
			DBName:   getEnv("ATTRIB_DB_NAME", "attribution"),
			SSLMode:  getEnv("ATTRIB_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ATTRIB_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ATTRIB_DB_MIN_CONNS", 5),

			MaxConnLifetime:  getDurationEnv("ATTRIB_DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime:  getDurationEnv("ATTRIB_DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			StatementTimeout: getDurationEnv("ATTRIB_DB_STATEMENT_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ATTRIB_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ATTRIB_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ATTRIB_REDIS_DB", 0),
			PoolSize: getIntEnv("ATTRIB_REDIS_POOL_SIZE", 100),
			Timeout:  getDurationEnv("ATTRIB_REDIS_TIMEOUT", time.Second),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("ATTRIB_CLICKHOUSE_ENABLED", false),
			Addr:          getEnv("ATTRIB_CLICKHOUSE_ADDR", "localhost:9000"),
			Database:      getEnv("ATTRIB_CLICKHOUSE_DB", "default"),
			Username:      getEnv("ATTRIB_CLICKHOUSE_USER", "default"),
			Password:      getEnv("ATTRIB_CLICKHOUSE_PASSWORD", ""),
			BatchSize:     getIntEnv("ATTRIB_CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDurationEnv("ATTRIB_CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled: getBoolEnv("ATTRIB_KAFKA_ENABLED", false),
			Brokers: getSliceEnv("ATTRIB_KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("ATTRIB_KAFKA_TOPIC", "tracking.events"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("ATTRIB_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("ATTRIB_RATE_LIMIT_RPS", 2000),
			Burst:   getIntEnv("ATTRIB_RATE_LIMIT_BURST", 200),
		},
		Log: LogConfig{
			Level:  getEnv("ATTRIB_LOG_LEVEL", "info"),
			Format: getEnv("ATTRIB_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ATTRIB_METRICS_ENABLED", true),
			Path:    getEnv("ATTRIB_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ATTRIB_GEO_ENABLED", false),
			DatabasePath: getEnv("ATTRIB_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
			CacheSize:    getIntEnv("ATTRIB_GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("ATTRIB_GEO_CACHE_TTL", 1*time.Hour),
		},
		Tracking: TrackingConfig{
			DefaultConversionWindow: getDurationEnv("ATTRIB_DEFAULT_CONVERSION_WINDOW", 7*24*time.Hour),
			DefaultDedupWindow:      getDurationEnv("ATTRIB_DEFAULT_DEDUP_WINDOW", 12*time.Hour),
			SessionInactivity:       getDurationEnv("ATTRIB_SESSION_INACTIVITY", 30*time.Minute),
			SweepInterval:           getDurationEnv("ATTRIB_SWEEP_INTERVAL", 5*time.Minute),
			CampaignsFile:           getEnv("ATTRIB_CAMPAIGNS_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Tracking.DefaultConversionWindow <= 0 {
		return fmt.Errorf("ATTRIB_DEFAULT_CONVERSION_WINDOW must be positive")
	}
	if c.Tracking.DefaultDedupWindow <= 0 {
		return fmt.Errorf("ATTRIB_DEFAULT_DEDUP_WINDOW must be positive")
	}
	if c.Tracking.SessionInactivity <= 0 {
		return fmt.Errorf("ATTRIB_SESSION_INACTIVITY must be positive")
	}
	if c.Tracking.SweepInterval <= 0 {
		return fmt.Errorf("ATTRIB_SWEEP_INTERVAL must be positive")
	}
	if c.Database.MaxConns <= 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("ATTRIB_DB_MIN_CONNS must not exceed a positive ATTRIB_DB_MAX_CONNS")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("ATTRIB_KAFKA_BROKERS is required when kafka is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.BatchSize <= 0 {
		return fmt.Errorf("ATTRIB_CLICKHOUSE_BATCH_SIZE must be positive")
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
