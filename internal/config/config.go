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

type Config struct {
	Env       string
	Addr      string
	LogLevel  string
	JWTSecret string
	Location  *time.Location

	Storage    string // memory, sqlite, postgres, redis
	SQLitePath string
	DBDSN      string
	Redis      RedisConfig

	Transport        string // gmail, smtp, simulated
	GmailCredentials string
	GmailRedirectURL string
	SMTP             SMTPConfig
	SimulatedSuccess float64
	SimulatedLatency time.Duration
	AccountSendBurst int // 0 disables per-account pacing

	TelegramToken  string
	TelegramChatID int64

	AdminUsername string
	AdminPassword string

	Dispatcher         DispatcherConfig
	AutoUnlockInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLSMode  string
}

type DispatcherConfig struct {
	BatchSize           int
	DelayBetweenEmails  time.Duration
	DelayBetweenBatches time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	Cooldown            time.Duration
	MinIdle             time.Duration
	RateLimitPerHour    int
	RateLimitPerDay     int
	LockOnUserLimit     bool
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFromEnv(os.Getenv)
}

func LoadFromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Env:              p.str("APP_ENV", "dev"),
		Addr:             p.str("APP_ADDR", "127.0.0.1:8080"),
		LogLevel:         p.str("APP_LOG_LEVEL", "info"),
		JWTSecret:        getenv("APP_JWT_SECRET"),
		Storage:          p.str("APP_STORAGE", "sqlite"),
		SQLitePath:       p.str("APP_SQLITE_PATH", "data/bulkmailer.db"),
		DBDSN:            getenv("APP_DB_DSN"),
		Transport:        p.str("APP_TRANSPORT", "simulated"),
		GmailCredentials: getenv("APP_GMAIL_CREDENTIALS"),
		GmailRedirectURL: getenv("APP_GMAIL_REDIRECT_URL"),
		TelegramToken:    getenv("APP_TELEGRAM_TOKEN"),
		AdminUsername:    p.str("APP_ADMIN_USERNAME", "admin"),
		AdminPassword:    getenv("APP_ADMIN_PASSWORD"),
		Redis: RedisConfig{
			Addr:     p.str("APP_REDIS_ADDR", "127.0.0.1:6379"),
			Password: getenv("APP_REDIS_PASSWORD"),
			DB:       p.int("APP_REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getenv("APP_SMTP_HOST"),
			Port:     p.int("APP_SMTP_PORT", 587),
			Username: getenv("APP_SMTP_USERNAME"),
			Password: getenv("APP_SMTP_PASSWORD"),
			TLSMode:  p.str("APP_SMTP_TLS", "starttls"),
		},
		SimulatedSuccess:   p.float("APP_SIMULATED_SUCCESS_RATE", 0.9),
		SimulatedLatency:   p.duration("APP_SIMULATED_LATENCY", 200*time.Millisecond),
		AccountSendBurst:   p.int("APP_ACCOUNT_SEND_BURST", 0),
		TelegramChatID:     int64(p.int("APP_TELEGRAM_CHAT_ID", 0)),
		AutoUnlockInterval: p.duration("APP_AUTO_UNLOCK_INTERVAL", time.Minute),
		Dispatcher: DispatcherConfig{
			BatchSize:           p.int("APP_BATCH_SIZE", 10),
			DelayBetweenEmails:  p.duration("APP_DELAY_BETWEEN_EMAILS", time.Second),
			DelayBetweenBatches: p.duration("APP_DELAY_BETWEEN_BATCHES", 5*time.Second),
			MaxRetries:          p.int("APP_MAX_RETRIES", 3),
			RetryDelay:          p.duration("APP_RETRY_DELAY", 2*time.Second),
			Cooldown:            p.duration("APP_COOLDOWN", time.Minute),
			MinIdle:             p.duration("APP_MIN_IDLE", time.Second),
			RateLimitPerHour:    p.int("APP_RATE_LIMIT_PER_HOUR", 100),
			RateLimitPerDay:     p.int("APP_RATE_LIMIT_PER_DAY", 1000),
			LockOnUserLimit:     p.bool("APP_LOCK_ON_USER_LIMIT", true),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}

	tz := p.str("APP_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("APP_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	switch cfg.Env {
	case "dev", "prod", "test":
	default:
		return Config{}, errors.New("APP_ENV: must be one of dev, test, prod")
	}
	switch cfg.Storage {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DBDSN == "" {
			return Config{}, errors.New("APP_DB_DSN: required for postgres storage")
		}
	case "redis":
	default:
		return Config{}, errors.New("APP_STORAGE: must be one of memory, sqlite, postgres, redis")
	}
	switch cfg.Transport {
	case "simulated":
		if cfg.SimulatedSuccess < 0 || cfg.SimulatedSuccess > 1 {
			return Config{}, errors.New("APP_SIMULATED_SUCCESS_RATE: must be in [0,1]")
		}
	case "gmail":
		if cfg.GmailCredentials == "" {
			return Config{}, errors.New("APP_GMAIL_CREDENTIALS: required for gmail transport")
		}
	case "smtp":
		if cfg.SMTP.Host == "" {
			return Config{}, errors.New("APP_SMTP_HOST: required for smtp transport")
		}
		switch cfg.SMTP.TLSMode {
		case "starttls", "tls", "none":
		default:
			return Config{}, errors.New("APP_SMTP_TLS: must be one of starttls, tls, none")
		}
	default:
		return Config{}, errors.New("APP_TRANSPORT: must be one of gmail, smtp, simulated")
	}

	d := cfg.Dispatcher
	if d.BatchSize < 1 {
		return Config{}, errors.New("APP_BATCH_SIZE: must be >= 1")
	}
	if d.MaxRetries < 1 {
		return Config{}, errors.New("APP_MAX_RETRIES: must be >= 1")
	}
	if d.MinIdle <= 0 {
		return Config{}, errors.New("APP_MIN_IDLE: must be > 0")
	}
	if d.RateLimitPerHour < 0 || d.RateLimitPerDay < 0 {
		return Config{}, errors.New("APP_RATE_LIMIT_PER_HOUR/APP_RATE_LIMIT_PER_DAY: must be >= 0")
	}

	if cfg.JWTSecret == "" && !cfg.IsProd() {
		cfg.JWTSecret = "dev-secret-change-me-dev-secret-change-me"
	}
	if cfg.IsProd() {
		if len(cfg.JWTSecret) < 32 {
			return Config{}, errors.New("APP_JWT_SECRET: must be at least 32 bytes in prod")
		}
		if cfg.Transport == "simulated" {
			return Config{}, errors.New("APP_TRANSPORT: simulated is not allowed in prod")
		}
	}
	return cfg, nil
}

func (c Config) IsProd() bool { return c.Env == "prod" }

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) raw(key string) string { return strings.TrimSpace(p.getenv(key)) }

func (p *parser) str(key, def string) string {
	if v := p.raw(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.raw(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d < 0 {
		p.fail(key, errors.New("must be >= 0"))
		return def
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}
