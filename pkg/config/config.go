package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	ProductName string

	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresMaxConns int
	RedisURL         string
	RedisPoolSize    int
	ConnectAttempts  int
	RabbitMQURL      string
	RabbitMQQueue    string
	MinioEndpoint    string
	MinioAccessKey   string
	MinioSecretKey   string
	MinioUseSSL      bool
	MinioBucket      string

	WebhookURL   string
	AlertEmailTo string

	DefaultCheckInterval time.Duration
	DefaultCheckTimeout  time.Duration
	DefaultRetries       int
	InitialCheckDelay    time.Duration
	AlertDedupWindow     time.Duration

	ServiceCacheTTL time.Duration
	AlertCacheTTL   time.Duration
	MetricsCacheTTL time.Duration

	ArchiveInterval     time.Duration
	CheckRetention      time.Duration
	ArchiveRetention    time.Duration // zero keeps archived checks forever
	AnomalyScanInterval time.Duration
	AnomalyWindow       time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "5120"),
		Environment: getEnv("GO_ENV", "development"),
		ProductName: getEnv("PRODUCT_NAME", "ArtHub"),

		PostgresHost:     getEnv("POSTGRESQL_HOST", ""),
		PostgresPort:     getEnv("POSTGRESQL_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRESQL_DATABASE", "health_monitor"),
		PostgresUser:     getEnv("POSTGRESQL_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRESQL_PASSWORD", ""),
		PostgresMaxConns: getInt("POSTGRESQL_MAX_CONNS", 25),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisPoolSize:    getInt("REDIS_POOL_SIZE", 20),
		ConnectAttempts:  getInt("CONNECT_ATTEMPTS", 5),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "health-monitor.jobs"),
		MinioEndpoint:    getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:   getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:      getEnv("MINIO_USE_SSL", "false") == "true",
		MinioBucket:      getEnv("MINIO_BUCKET", "health-reports"),

		WebhookURL:   getEnv("ALERT_WEBHOOK_URL", ""),
		AlertEmailTo: getEnv("ALERT_EMAIL_TO", ""),

		DefaultCheckInterval: getDuration("HEALTH_CHECK_INTERVAL", time.Minute),
		DefaultCheckTimeout:  getDuration("HEALTH_CHECK_TIMEOUT", 10*time.Second),
		DefaultRetries:       getInt("HEALTH_CHECK_RETRIES", 3),
		InitialCheckDelay:    getDuration("INITIAL_CHECK_DELAY", 5*time.Second),
		AlertDedupWindow:     getDuration("ALERT_DEDUP_WINDOW", 0),

		ServiceCacheTTL: getDuration("SERVICE_CACHE_TTL", 5*time.Minute),
		AlertCacheTTL:   getDuration("ALERT_CACHE_TTL", time.Minute),
		MetricsCacheTTL: getDuration("METRICS_CACHE_TTL", time.Minute),

		ArchiveInterval:     getDuration("ARCHIVE_INTERVAL", time.Hour),
		CheckRetention:      getDuration("CHECK_RETENTION", 7*24*time.Hour),
		ArchiveRetention:    getDuration("ARCHIVE_RETENTION", 90*24*time.Hour),
		AnomalyScanInterval: getDuration("ANOMALY_SCAN_INTERVAL", 15*time.Minute),
		AnomalyWindow:       getDuration("ANOMALY_WINDOW", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.Port == "" {
		problems = append(problems, "PORT is required")
	}
	if c.DefaultCheckInterval <= 0 {
		problems = append(problems, "HEALTH_CHECK_INTERVAL must be positive")
	}
	if c.DefaultCheckTimeout <= 0 {
		problems = append(problems, "HEALTH_CHECK_TIMEOUT must be positive")
	}
	if c.DefaultRetries < 1 {
		problems = append(problems, "HEALTH_CHECK_RETRIES must be >= 1")
	}
	if c.ArchiveRetention != 0 && c.ArchiveRetention < c.CheckRetention {
		problems = append(problems, "ARCHIVE_RETENTION must be zero or at least CHECK_RETENTION")
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		problems = append(problems, "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid REDIS_URL: %v", err))
		}
	}
	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "invalid ALERT_WEBHOOK_URL")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsePostgres reports whether a durable store is configured
func (c *Config) UsePostgres() bool {
	return c.PostgresHost != ""
}

func (c *Config) GetPostgresConnString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable application_name=health-monitor",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDatabase,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// bare integers are seconds
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
