package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/models/outbox"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
	"github.com/corray333/backend-labs/autherror/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MustInit loads .env, reads config.yaml and installs the default logger.
// Every key can be overridden from the environment, e.g. OUTBOX_POLLER_BATCH_SIZE.
func MustInit() {
	if err := godotenv.Load("./.env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("error while loading .env file: " + err.Error())
	}

	SetDefaults()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/autherror-svc")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("error while reading config file: " + err.Error())
		}
	}
	SetupLogger()
}

// SetDefaults registers the default of every tunable.
func SetDefaults() {
	viper.SetDefault("logger.level", "info")

	viper.SetDefault("outbox.owner", "")
	viper.SetDefault("outbox.scope_prefix", "")
	viper.SetDefault("outbox.poller.batch_size", 50)
	viper.SetDefault("outbox.poller.interval_ms", 500)
	viper.SetDefault("outbox.retry.max_retries", retry.DefaultMaxRetries)
	viper.SetDefault("outbox.retry.delay_seconds", 60)
	viper.SetDefault("outbox.reaper.stale_after_seconds", 300)
	viper.SetDefault("outbox.reaper.batch_size", 100)
	viper.SetDefault("outbox.reaper.interval_ms", 5000)
	viper.SetDefault("outbox.publish.confirm_timeout_ms", 3000)

	viper.SetDefault("inbox.lease_seconds", 60)
	viper.SetDefault("inbox.max_retries", retry.DefaultMaxRetries)
	viper.SetDefault("inbox.monitor.interval_ms", 15000)

	viper.SetDefault("rabbitmq.exchange", "auth.error.exchange")
	viper.SetDefault("rabbitmq.retry.fast_max", retry.DefaultFastMax)
	viper.SetDefault("rabbitmq.retry.medium_max", retry.DefaultMediumMax)
	viper.SetDefault("rabbitmq.retry.ttl_10s_ms", 10000)
	viper.SetDefault("rabbitmq.retry.ttl_1m_ms", 60000)
	viper.SetDefault("rabbitmq.retry.ttl_10m_ms", 600000)
	viper.SetDefault("rabbitmq.consumer.concurrency", 10)

	viper.SetDefault("autherror.source_service", "auth-service")
	viper.SetDefault("autherror.environment", "local")

	viper.SetDefault("server.http.port", "8080")
	viper.SetDefault("server.http.ops_enabled", false)
	viper.SetDefault("postgres.migrations_path", "./migrations")
}

// SetupLogger installs the JSON slog handler as the default logger.
func SetupLogger() {
	handler := logger.NewHandler(&slog.HandlerOptions{Level: logger.ParseLevel(viper.GetString("logger.level"))})
	log := slog.New(handler)
	slog.SetDefault(log)
}

// OutboxConfig holds the poller, reaper and retry settings of the outbox.
type OutboxConfig struct {
	Owner         string
	Scope         outbox.Scope
	BatchSize     int
	PollInterval  time.Duration
	Policy        retry.Policy
	StaleAfter    time.Duration
	ReapBatchSize int
	ReapInterval  time.Duration
}

// Outbox returns the outbox settings.
func Outbox() OutboxConfig {
	policy := retry.NewPolicy(
		viper.GetInt("outbox.retry.max_retries"),
		time.Duration(viper.GetInt64("outbox.retry.delay_seconds"))*time.Second,
	)

	return OutboxConfig{
		Owner:         viper.GetString("outbox.owner"),
		Scope:         outbox.Scope{KeyPrefix: viper.GetString("outbox.scope_prefix")},
		BatchSize:     viper.GetInt("outbox.poller.batch_size"),
		PollInterval:  millis("outbox.poller.interval_ms"),
		Policy:        policy,
		StaleAfter:    time.Duration(viper.GetInt64("outbox.reaper.stale_after_seconds")) * time.Second,
		ReapBatchSize: viper.GetInt("outbox.reaper.batch_size"),
		ReapInterval:  millis("outbox.reaper.interval_ms"),
	}
}

// InboxConfig holds the consumer ledger settings.
type InboxConfig struct {
	Lease           time.Duration
	MaxRetries      int
	MonitorInterval time.Duration
}

// Inbox returns the consumer ledger settings.
func Inbox() InboxConfig {
	return InboxConfig{
		Lease:           time.Duration(viper.GetInt64("inbox.lease_seconds")) * time.Second,
		MaxRetries:      viper.GetInt("inbox.max_retries"),
		MonitorInterval: millis("inbox.monitor.interval_ms"),
	}
}

// RetryLadder returns the delay-queue ladder.
func RetryLadder() retry.Ladder {
	l := retry.DefaultLadder()
	if n := viper.GetInt("rabbitmq.retry.fast_max"); n > 0 {
		l.FastMax = n
	}
	if n := viper.GetInt("rabbitmq.retry.medium_max"); n > l.FastMax {
		l.MediumMax = n
	}
	if d := millis("rabbitmq.retry.ttl_10s_ms"); d > 0 {
		l.Short = d
	}
	if d := millis("rabbitmq.retry.ttl_1m_ms"); d > 0 {
		l.Medium = d
	}
	if d := millis("rabbitmq.retry.ttl_10m_ms"); d > 0 {
		l.Long = d
	}

	return l
}

// PublisherConfig holds the broker publish settings.
type PublisherConfig struct {
	Exchange       string
	ConfirmTimeout time.Duration
}

// Publisher returns the broker publish settings.
func Publisher() PublisherConfig {
	return PublisherConfig{
		Exchange:       viper.GetString("rabbitmq.exchange"),
		ConfirmTimeout: millis("outbox.publish.confirm_timeout_ms"),
	}
}

func millis(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}
