package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PayGate/internal/pkg/env"
)

// Config is built once at startup and handed to every component by value.
// Nothing in the tree keeps a package-level copy.
type Config struct {
	App       App
	Database  Database
	Cache     Cache
	Gateway   Gateway
	Webhook   Webhook
	RateLimit RateLimit
	Health    Health
	Kafka     Kafka
	Archive   Archive
	Jobs      Jobs
}

type App struct {
	Host             string
	Port             string
	Env              string
	OpsToken         string
	PaymentLimitFile string
	AuditLogPath     string
	AccessLogQueue   int
	ProxyHeader      string
	WebhookFloodMax  int
}

type Database struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the go-sql-driver/mysql data source name.
func (d Database) DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type Cache struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port.
func (c Cache) Addr() string {
	return c.Host + ":" + c.Port
}

type Gateway struct {
	BaseURL     string
	APIKey      string
	Secret      string
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	RetryJitter bool
}

type Webhook struct {
	Secret             string
	SignatureTolerance time.Duration
	ProcessingBudget   time.Duration
	RetryDelay         time.Duration
	MaxRetries         int
}

type RateLimit struct {
	Authenticated int
	Anonymous     int
	Window        time.Duration
}

type Health struct {
	MinSuccessRate        float64
	MaxLatencyMs          float64
	MinWebhookSuccessRate float64
	Window                time.Duration
	StuckPendingAfter     time.Duration
	WebhookBacklogLimit   int64
	RetentionDays         int
}

type Kafka struct {
	Brokers     []string
	StatusTopic string
}

// Enabled reports whether status events go to Kafka.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type Archive struct {
	Enabled         bool
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string
}

type Jobs struct {
	Workers         int
	SweepInterval   time.Duration
	AlertInterval   time.Duration
	CleanupInterval time.Duration
	PollAfter       time.Duration
	BatchSize       int
}

// Load reads the environment (already populated by env.SetupEnvFile) into a
// Config and validates it.
func Load() (Config, error) {
	cfg := Config{
		App: App{
			Host:             env.GetEnv("APP_HOST", "localhost"),
			Port:             env.GetEnv("APP_PORT", "4000"),
			Env:              env.GetEnv("APP_ENV", "prod"),
			OpsToken:         env.GetEnv("OPS_TOKEN", ""),
			PaymentLimitFile: env.GetEnv("PAYMENT_LIMITS_FILE", ""),
			AuditLogPath:     env.GetEnv("AUDIT_LOG_PATH", "stdout"),
			AccessLogQueue:   env.GetEnvInt("ACCESS_LOG_QUEUE_SIZE", 1024),
			ProxyHeader:      env.GetEnv("APP_PROXY_HEADER", ""),
			WebhookFloodMax:  env.GetEnvInt("WEBHOOK_FLOOD_MAX_PER_MINUTE", 600),
		},
		Database: LoadDatabase(),
		Cache: Cache{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetEnvInt("CACHE_DB", 0),
		},
		Gateway: Gateway{
			BaseURL:     strings.TrimRight(env.GetEnv("GATEWAY_BASE_URL", ""), "/"),
			APIKey:      env.GetEnv("GATEWAY_API_KEY", ""),
			Secret:      env.GetEnv("GATEWAY_SECRET", ""),
			Timeout:     time.Duration(env.GetEnvInt("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxRetries:  env.GetEnvInt("GATEWAY_MAX_RETRIES", 3),
			RetryBase:   time.Duration(env.GetEnvInt("GATEWAY_RETRY_BASE_MS", 1000)) * time.Millisecond,
			RetryJitter: env.GetEnvBool("GATEWAY_RETRY_JITTER", true),
		},
		Webhook: Webhook{
			Secret:             env.GetEnv("WEBHOOK_SECRET", ""),
			SignatureTolerance: time.Duration(env.GetEnvInt("SIGNATURE_TOLERANCE_SECONDS", 300)) * time.Second,
			ProcessingBudget:   time.Duration(env.GetEnvInt("WEBHOOK_BUDGET_SECONDS", 10)) * time.Second,
			RetryDelay:         time.Duration(env.GetEnvInt("WEBHOOK_RETRY_DELAY_MINUTES", 5)) * time.Minute,
			MaxRetries:         env.GetEnvInt("WEBHOOK_MAX_RETRIES", 5),
		},
		RateLimit: RateLimit{
			Authenticated: env.GetEnvInt("RATE_LIMIT_AUTHENTICATED", 100),
			Anonymous:     env.GetEnvInt("RATE_LIMIT_ANONYMOUS", 60),
			Window:        time.Minute,
		},
		Health: Health{
			MinSuccessRate:        env.GetEnvFloat("HEALTH_MIN_SUCCESS_RATE", 0.95),
			MaxLatencyMs:          env.GetEnvFloat("HEALTH_MAX_LATENCY_MS", 5000),
			MinWebhookSuccessRate: env.GetEnvFloat("HEALTH_MIN_WEBHOOK_SUCCESS_RATE", 0.95),
			Window:                time.Hour,
			StuckPendingAfter:     time.Duration(env.GetEnvInt("HEALTH_STUCK_PENDING_MINUTES", 30)) * time.Minute,
			WebhookBacklogLimit:   int64(env.GetEnvInt("HEALTH_WEBHOOK_BACKLOG_LIMIT", 10)),
			RetentionDays:         env.GetEnvInt("LOG_RETENTION_DAYS", 90),
		},
		Kafka: Kafka{
			Brokers:     splitList(env.GetEnv("KAFKA_BROKERS", "")),
			StatusTopic: env.GetEnv("KAFKA_STATUS_TOPIC", "payment.status"),
		},
		Archive: Archive{
			Enabled:         env.GetEnvBool("S3_ARCHIVE_ENABLED", false),
			AccessKeyID:     env.GetEnv("S3_ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_ARCHIVE_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_ARCHIVE_REGION", "eu-central-1"),
			BucketName:      env.GetEnv("S3_ARCHIVE_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ARCHIVE_ENDPOINT_URL", ""),
		},
		Jobs: Jobs{
			Workers:         env.GetEnvInt("JOB_QUEUE_WORKERS", 3),
			SweepInterval:   time.Duration(env.GetEnvInt("JOB_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
			AlertInterval:   time.Duration(env.GetEnvInt("JOB_ALERT_INTERVAL_SECONDS", 300)) * time.Second,
			CleanupInterval: 24 * time.Hour,
			PollAfter:       time.Duration(env.GetEnvInt("JOB_POLL_AFTER_SECONDS", 120)) * time.Second,
			BatchSize:       env.GetEnvInt("JOB_SWEEP_BATCH_SIZE", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database settings, for tools that do not need
// the gateway credentials.
func LoadDatabase() Database {
	return Database{
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		Name:     env.GetEnv("DB_NAME", ""),
	}
}

// Validate checks the settings the gateway cannot run without.
func (c Config) Validate() error {
	var problems []string

	if c.Gateway.BaseURL == "" {
		problems = append(problems, "GATEWAY_BASE_URL cannot be empty")
	}
	if c.Gateway.Secret == "" {
		problems = append(problems, "GATEWAY_SECRET cannot be empty")
	}
	if c.Webhook.Secret == "" {
		problems = append(problems, "WEBHOOK_SECRET cannot be empty")
	}
	if c.Gateway.MaxRetries < 0 {
		problems = append(problems, "GATEWAY_MAX_RETRIES cannot be negative")
	}
	if c.RateLimit.Authenticated <= 0 || c.RateLimit.Anonymous <= 0 {
		problems = append(problems, "rate limits must be positive")
	}
	if c.Health.MinSuccessRate < 0 || c.Health.MinSuccessRate > 1 {
		problems = append(problems, "HEALTH_MIN_SUCCESS_RATE must be within [0,1]")
	}
	if c.Archive.Enabled && c.Archive.BucketName == "" {
		problems = append(problems, "S3_ARCHIVE_BUCKET_NAME is required when S3 archive is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsDev mirrors env.IsDev for code that only holds the Config.
func (c Config) IsDev() bool {
	return c.App.Env == "dev"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
