package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/logging"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	Inbound   InboundConfig
	Log       logging.Config
}

type ServerConfig struct {
	Address  string
	PageSize int
}

// DatabaseConfig is optional. Without a URL the service keeps messages and
// credits in memory.
type DatabaseConfig struct {
	PostgresURL string
}

func (c DatabaseConfig) Enabled() bool { return c.PostgresURL != "" }

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval     time.Duration
	BatchSize    int
	RecoverEvery time.Duration
	// ClaimTimeout of zero lets the engine derive it from the send timeout.
	ClaimTimeout time.Duration
}

type WebhookConfig struct {
	URL           string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type InboundConfig struct {
	Enabled bool
	AMQPURL string
	Queue   string
}

// LoadAll reads the configuration from the environment and reports every
// problem it finds at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}

	webhookURL, err := requireEnv("WEBHOOK_URL")
	collect(err)

	rate, err := getEnvFloat("SEND_RATE_PER_SECOND", 20)
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address:  getEnv("SERVER_ADDRESS", ":8080"),
			PageSize: intVar("PAGE_SIZE", 100),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:           webhookURL,
			Timeout:       time.Duration(intVar("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
			RatePerSecond: rate,
			Burst:         intVar("SEND_BURST", 5),
		},
		Scheduler: SchedulerConfig{
			Interval:     time.Duration(intVar("SCHED_INTERVAL_MS", 1000)) * time.Millisecond,
			BatchSize:    intVar("SCHED_BATCH_SIZE", 100),
			RecoverEvery: time.Duration(intVar("SCHED_RECOVER_SECONDS", 30)) * time.Second,
			ClaimTimeout: time.Duration(intVar("SCHED_CLAIM_TIMEOUT_SECONDS", 0)) * time.Second,
		},
		Inbound: InboundConfig{
			AMQPURL: os.Getenv("AMQP_URL"),
			Queue:   getEnv("AMQP_INBOUND_QUEUE", "inbound-messages"),
		},
		Log: logging.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  intVar("LOG_MAX_SIZE_MB", 100),
			MaxBackups: intVar("LOG_MAX_BACKUPS", 5),
		},
	}
	cfg.Inbound.Enabled = cfg.Inbound.AMQPURL != ""

	redisCfg, err := loadRedisConfig()
	collect(err)
	cfg.Redis = redisCfg

	collect(validate(cfg))

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_MS must be > 0"))
	}
	if cfg.Scheduler.RecoverEvery <= 0 {
		errs = append(errs, errors.New("SCHED_RECOVER_SECONDS must be > 0"))
	}
	if cfg.Scheduler.ClaimTimeout < 0 {
		errs = append(errs, errors.New("SCHED_CLAIM_TIMEOUT_SECONDS must be >= 0"))
	}
	if cfg.Server.PageSize <= 0 {
		errs = append(errs, errors.New("PAGE_SIZE must be > 0"))
	}
	if cfg.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Webhook.RatePerSecond < 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_SECOND must be >= 0"))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.Log.Format))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid number for env %s: %s", key, v)
	}
	return f, nil
}

// joinErrors drops nil entries and returns nil when nothing is left.
func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
