package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "chanpass"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Processor ProcessorConfig
	Chat      ChatConfig
	Cron      CronConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	Outbox    OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("CHANPASS_DB_DSN is required")
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CHANPASS_APP_ENV" required:"true"`
	Port         string `envconfig:"CHANPASS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CHANPASS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CHANPASS_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"CHANPASS_APP_AUTO_MIGRATE" default:"false"`

	CORSOrigins []string `envconfig:"CHANPASS_APP_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"CHANPASS_DB_DSN"`

	MaxOpenConns    int           `envconfig:"CHANPASS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CHANPASS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CHANPASS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CHANPASS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CHANPASS_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"CHANPASS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHANPASS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHANPASS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHANPASS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHANPASS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"CHANPASS_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"CHANPASS_JWT_ISSUER" default:"chanpass"`
	ExpirationMinutes int    `envconfig:"CHANPASS_JWT_EXPIRATION_MINUTES" default:"60"`
}

// ProcessorConfig points at the crypto payment processor's API and the shared
// secret its webhook notifications are signed with.
type ProcessorConfig struct {
	BaseURL      string        `envconfig:"CHANPASS_PROCESSOR_BASE_URL" default:"https://api.nowpayments.io/v1"`
	APIKey       string        `envconfig:"CHANPASS_PROCESSOR_API_KEY" required:"true"`
	IPNSecret    string        `envconfig:"CHANPASS_PROCESSOR_IPN_SECRET" required:"true"`
	ReplayWindow time.Duration `envconfig:"CHANPASS_PROCESSOR_REPLAY_WINDOW" default:"5m"`
	HTTPTimeout  time.Duration `envconfig:"CHANPASS_PROCESSOR_HTTP_TIMEOUT" default:"15s"`
	InvoiceTTL   time.Duration `envconfig:"CHANPASS_PROCESSOR_INVOICE_TTL" default:"1h"`
}

// ChatConfig configures the chat provider bot used for channel access.
type ChatConfig struct {
	BotToken    string        `envconfig:"CHANPASS_CHAT_BOT_TOKEN" required:"true"`
	BaseURL     string        `envconfig:"CHANPASS_CHAT_BASE_URL" default:"https://api.telegram.org"`
	AdminChatID int64         `envconfig:"CHANPASS_CHAT_ADMIN_CHAT_ID"`
	HTTPTimeout time.Duration `envconfig:"CHANPASS_CHAT_HTTP_TIMEOUT" default:"15s"`
	BanDuration time.Duration `envconfig:"CHANPASS_CHAT_BAN_DURATION" default:"45s"`
}

type CronConfig struct {
	TickInterval        time.Duration `envconfig:"CHANPASS_CRON_TICK_INTERVAL" default:"1h"`
	ReconcileInterval   time.Duration `envconfig:"CHANPASS_CRON_RECONCILE_INTERVAL" default:"24h"`
	ReconcileLookback   time.Duration `envconfig:"CHANPASS_CRON_RECONCILE_LOOKBACK" default:"24h"`
	ExpireInterval      time.Duration `envconfig:"CHANPASS_CRON_EXPIRE_INTERVAL" default:"1h"`
	OutboxRetentionDays int           `envconfig:"CHANPASS_CRON_OUTBOX_RETENTION_DAYS" default:"30"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"CHANPASS_GCP_PROJECT_ID" required:"true"`
}

type PubSubConfig struct {
	AccessTopic        string `envconfig:"CHANPASS_PUBSUB_ACCESS_TOPIC" default:"chanpass-access-events"`
	AccessSubscription string `envconfig:"CHANPASS_PUBSUB_ACCESS_SUBSCRIPTION" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"CHANPASS_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"CHANPASS_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"CHANPASS_OUTBOX_MAX_ATTEMPTS" default:"10"`
	IdempotencyTTL time.Duration `envconfig:"CHANPASS_OUTBOX_IDEMPOTENCY_TTL" default:"24h"`
}
