package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendSQS   = "sqs"
)

const devJWTSecret = "hookbox-dev-secret"

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database; DatabaseURL wins over the individual fields
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config; RedisURL wins over host/port
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Task queues
	QueueBackend      string // redis or sqs
	DispatchQueueURL  string // SQS only
	DeliveryQueueURL  string // SQS only
	AWSRegion         string
	SQSEndpoint       string // e.g. LocalStack
	WorkerConcurrency int

	// Auth
	JWTSecret string
	JWTIssuer string

	// Web push (VAPID)
	WebPushPublicKey    string
	WebPushPrivateKey   string
	WebPushContactEmail string

	// Realtime
	WSAllowedOrigins []string

	// Webhook ingestion
	WebhookRateLimit  int // requests per window per token; 0 disables
	WebhookRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBName:     "hookbox",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		QueueBackend:      QueueBackendRedis,
		AWSRegion:         "us-east-1",
		WorkerConcurrency: 4,

		WebPushContactEmail: "admin@hookbox.local",

		WebhookRateLimit:  60,
		WebhookRateWindow: time.Minute,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Queue config
	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		cfg.QueueBackend = strings.ToLower(backend)
	}

	cfg.DispatchQueueURL = os.Getenv("DISPATCH_QUEUE_URL")
	cfg.DeliveryQueueURL = os.Getenv("DELIVERY_QUEUE_URL")
	cfg.SQSEndpoint = os.Getenv("SQS_ENDPOINT")

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if cfg.WorkerConcurrency, err = envInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}

	// Auth
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTIssuer = os.Getenv("JWT_ISSUER")

	// Web push
	cfg.WebPushPublicKey = os.Getenv("WEB_PUSH_PUBLIC_KEY")
	cfg.WebPushPrivateKey = os.Getenv("WEB_PUSH_PRIVATE_KEY")

	if email := os.Getenv("WEB_PUSH_CONTACT_EMAIL"); email != "" {
		cfg.WebPushContactEmail = email
	}

	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.WSAllowedOrigins = append(cfg.WSAllowedOrigins, o)
			}
		}
	}

	// Webhook rate limiting
	if cfg.WebhookRateLimit, err = envInt("WEBHOOK_RATE_LIMIT", cfg.WebhookRateLimit); err != nil {
		return nil, err
	}

	if window := os.Getenv("WEBHOOK_RATE_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RATE_WINDOW: %w", err)
		}
		cfg.WebhookRateWindow = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case QueueBackendRedis:
	case QueueBackendSQS:
		if c.DispatchQueueURL == "" || c.DeliveryQueueURL == "" {
			return errors.New("DISPATCH_QUEUE_URL and DELIVERY_QUEUE_URL are required for the sqs queue backend")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q: must be redis or sqs", c.QueueBackend)
	}

	if c.JWTSecret == "" {
		if c.IsProduction() {
			return errors.New("JWT_SECRET is required in production")
		}
		c.JWTSecret = devJWTSecret
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: %d", c.WorkerConcurrency)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WebPushEnabled reports whether both VAPID keys are set.
func (c *Config) WebPushEnabled() bool {
	return c.WebPushPublicKey != "" && c.WebPushPrivateKey != ""
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
