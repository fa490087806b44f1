// Package config defines the top-level configuration for the clearing core
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GRIDCLEAR_* environment variables.
type Config struct {
	Market     MarketConfig     `toml:"market"`
	Settlement SettlementConfig `toml:"settlement"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Outbox     OutboxConfig     `toml:"outbox"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LockTTL    duration         `toml:"lock_ttl"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// MarketConfig holds epoch timing and order admission parameters.
type MarketConfig struct {
	EpochDuration     duration `toml:"epoch_duration"`
	PollInterval      duration `toml:"poll_interval"`
	CarryOver         bool     `toml:"carry_over"`
	MaxOrdersPerEpoch int      `toml:"max_orders_per_epoch"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
	BookCacheTTL      duration `toml:"book_cache_ttl"`
}

// SettlementConfig holds fee and retry parameters for the orchestrator.
type SettlementConfig struct {
	FeeBps          int64    `toml:"fee_bps"`
	AmountPrecision int32    `toml:"amount_precision"`
	MaxRetries      int      `toml:"max_retries"`
	RetryInterval   duration `toml:"retry_interval"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	SweepBatch      int      `toml:"sweep_batch"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// LedgerConfig selects and configures the settlement ledger.
type LedgerConfig struct {
	Driver        string            `toml:"driver"`
	RPCURL        string            `toml:"rpc_url"`
	ChainID       int64             `toml:"chain_id"`
	TokenAddress  string            `toml:"token_address"`
	TokenDecimals int32             `toml:"token_decimals"`
	PrivateKey    string            `toml:"private_key"`
	KeystorePath  string            `toml:"keystore_path"`
	KeyPassword   string            `toml:"key_password"`
	Accounts      map[string]string `toml:"accounts"`
	PollInterval  duration          `toml:"poll_interval"`
}

// KafkaConfig holds broker parameters for the outbox relay.
type KafkaConfig struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	WriteTimeout duration `toml:"write_timeout"`
}

// OutboxConfig holds the durable event outbox parameters.
type OutboxConfig struct {
	Enabled    bool     `toml:"enabled"`
	Dir        string   `toml:"dir"`
	InMemory   bool     `toml:"in_memory"`
	Interval   duration `toml:"interval"`
	BatchSize  int      `toml:"batch_size"`
	MaxRetries int      `toml:"max_retries"`
	Retention  duration `toml:"retention"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds operator alert destinations.
type NotifyConfig struct {
	TelegramAPIBase   string   `toml:"telegram_api_base"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Alerts            []string `toml:"alerts"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "15m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var (
	validModes     = []string{"full", "clearing", "settlement", "dev"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validDrivers   = []string{"sim", "evm"}
	validAlerts    = []string{"epoch_failed", "settlement_exhausted", "epoch_settled"}
)

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			EpochDuration:     duration{15 * time.Minute},
			PollInterval:      duration{time.Minute},
			MaxOrdersPerEpoch: 10000,
			RateWindow:        duration{time.Minute},
			BookCacheTTL:      duration{time.Hour},
		},
		Settlement: SettlementConfig{
			FeeBps:          50,
			AmountPrecision: 6,
			MaxRetries:      3,
			RetryInterval:   duration{time.Minute},
			ConfirmTimeout:  duration{time.Minute},
			Workers:         4,
			QueueSize:       1024,
			SweepBatch:      100,
		},
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "gridclear",
			User:         "gridclear",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		Ledger: LedgerConfig{
			Driver:        "sim",
			TokenDecimals: 6,
			PollInterval:  duration{2 * time.Second},
		},
		Kafka: KafkaConfig{
			Topic:        "gridclear.events",
			WriteTimeout: duration{10 * time.Second},
		},
		Outbox: OutboxConfig{
			Dir:        "data/outbox",
			Interval:   duration{time.Second},
			BatchSize:  100,
			MaxRetries: 10,
			Retention:  duration{24 * time.Hour},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			TelegramAPIBase: "https://api.telegram.org",
			Alerts:          []string{"epoch_failed", "settlement_exhausted"},
		},
		LockTTL:  duration{2 * time.Minute},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !contains(validModes, c.Mode) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", ")))
	}
	if !contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}
	if c.LockTTL.Duration <= 0 {
		errs = append(errs, "lock_ttl must be positive")
	}

	// ── Market ──
	if c.Market.EpochDuration.Duration <= 0 {
		errs = append(errs, "market: epoch_duration must be positive")
	}
	if c.Market.PollInterval.Duration <= 0 {
		errs = append(errs, "market: poll_interval must be positive")
	}
	if c.Market.MaxOrdersPerEpoch < 0 {
		errs = append(errs, "market: max_orders_per_epoch must be >= 0")
	}
	if c.Market.RateLimit < 0 {
		errs = append(errs, "market: rate_limit must be >= 0")
	}
	if c.Market.RateLimit > 0 && c.Market.RateWindow.Duration <= 0 {
		errs = append(errs, "market: rate_window must be positive when rate_limit is set")
	}

	// ── Settlement ──
	if c.Settlement.FeeBps < 0 || c.Settlement.FeeBps >= 10000 {
		errs = append(errs, fmt.Sprintf("settlement: fee_bps must be 0-9999, got %d", c.Settlement.FeeBps))
	}
	if c.Settlement.AmountPrecision < 0 || c.Settlement.AmountPrecision > 18 {
		errs = append(errs, fmt.Sprintf("settlement: amount_precision must be 0-18, got %d", c.Settlement.AmountPrecision))
	}
	if c.Settlement.MaxRetries < 1 {
		errs = append(errs, "settlement: max_retries must be >= 1")
	}
	if c.Settlement.Workers < 1 {
		errs = append(errs, "settlement: workers must be >= 1")
	}
	if c.Settlement.QueueSize < 1 {
		errs = append(errs, "settlement: queue_size must be >= 1")
	}

	// ── Postgres ── (dev mode runs on the in-memory store)
	if c.Mode != "dev" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// ── Redis ──
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// ── Ledger ──
	if !contains(validDrivers, c.Ledger.Driver) {
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: %s)", c.Ledger.Driver, strings.Join(validDrivers, ", ")))
	}
	if c.Ledger.Driver == "evm" {
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for the evm driver")
		}
		if c.Ledger.TokenAddress == "" {
			errs = append(errs, "ledger: token_address is required for the evm driver")
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.KeystorePath == "" {
			errs = append(errs, "ledger: either private_key or keystore_path must be set for the evm driver")
		}
		if c.Ledger.KeystorePath != "" && c.Ledger.KeyPassword == "" {
			errs = append(errs, "ledger: key_password is required when keystore_path is set")
		}
		if c.Ledger.TokenDecimals < c.Settlement.AmountPrecision {
			errs = append(errs, "ledger: token_decimals must be >= settlement.amount_precision")
		}
	}

	// ── Outbox / Kafka ──
	if c.Outbox.Enabled {
		if !c.Outbox.InMemory && c.Outbox.Dir == "" {
			errs = append(errs, "outbox: dir must not be empty unless in_memory is set")
		}
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when the outbox is enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
		if c.Outbox.BatchSize < 1 {
			errs = append(errs, "outbox: batch_size must be >= 1")
		}
	}

	// ── S3 ──
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			errs = append(errs, "s3: access_key and secret_key must be set together")
		}
	}

	// ── Server ──
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be positive when rate_limit is set")
		}
	}

	// ── Notify ──
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, a := range c.Notify.Alerts {
		if !contains(validAlerts, a) {
			errs = append(errs, fmt.Sprintf("notify: unknown alert %q", a))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
