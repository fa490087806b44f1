package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GRIDCLEAR_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GRIDCLEAR_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setDuration(&cfg.Market.EpochDuration, "GRIDCLEAR_MARKET_EPOCH_DURATION")
	setDuration(&cfg.Market.PollInterval, "GRIDCLEAR_MARKET_POLL_INTERVAL")
	setBool(&cfg.Market.CarryOver, "GRIDCLEAR_MARKET_CARRY_OVER")
	setInt(&cfg.Market.MaxOrdersPerEpoch, "GRIDCLEAR_MARKET_MAX_ORDERS_PER_EPOCH")
	setInt(&cfg.Market.RateLimit, "GRIDCLEAR_MARKET_RATE_LIMIT")
	setDuration(&cfg.Market.RateWindow, "GRIDCLEAR_MARKET_RATE_WINDOW")

	// ── Settlement ──
	setInt64(&cfg.Settlement.FeeBps, "GRIDCLEAR_SETTLEMENT_FEE_BPS")
	setInt32(&cfg.Settlement.AmountPrecision, "GRIDCLEAR_SETTLEMENT_AMOUNT_PRECISION")
	setInt(&cfg.Settlement.MaxRetries, "GRIDCLEAR_SETTLEMENT_MAX_RETRIES")
	setDuration(&cfg.Settlement.RetryInterval, "GRIDCLEAR_SETTLEMENT_RETRY_INTERVAL")
	setDuration(&cfg.Settlement.ConfirmTimeout, "GRIDCLEAR_SETTLEMENT_CONFIRM_TIMEOUT")
	setInt(&cfg.Settlement.Workers, "GRIDCLEAR_SETTLEMENT_WORKERS")
	setInt(&cfg.Settlement.QueueSize, "GRIDCLEAR_SETTLEMENT_QUEUE_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GRIDCLEAR_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GRIDCLEAR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GRIDCLEAR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GRIDCLEAR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GRIDCLEAR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GRIDCLEAR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GRIDCLEAR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GRIDCLEAR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GRIDCLEAR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GRIDCLEAR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "GRIDCLEAR_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "GRIDCLEAR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GRIDCLEAR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GRIDCLEAR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GRIDCLEAR_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "GRIDCLEAR_REDIS_TLS_ENABLED")

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "GRIDCLEAR_LEDGER_DRIVER")
	setStr(&cfg.Ledger.RPCURL, "GRIDCLEAR_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "GRIDCLEAR_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.TokenAddress, "GRIDCLEAR_LEDGER_TOKEN_ADDRESS")
	setInt32(&cfg.Ledger.TokenDecimals, "GRIDCLEAR_LEDGER_TOKEN_DECIMALS")
	setStr(&cfg.Ledger.PrivateKey, "GRIDCLEAR_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.KeystorePath, "GRIDCLEAR_LEDGER_KEYSTORE_PATH")
	setStr(&cfg.Ledger.KeyPassword, "GRIDCLEAR_LEDGER_KEY_PASSWORD")
	setStringMap(&cfg.Ledger.Accounts, "GRIDCLEAR_LEDGER_ACCOUNTS")

	// ── Kafka / Outbox ──
	setStringSlice(&cfg.Kafka.Brokers, "GRIDCLEAR_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "GRIDCLEAR_KAFKA_TOPIC")
	setBool(&cfg.Outbox.Enabled, "GRIDCLEAR_OUTBOX_ENABLED")
	setStr(&cfg.Outbox.Dir, "GRIDCLEAR_OUTBOX_DIR")
	setBool(&cfg.Outbox.InMemory, "GRIDCLEAR_OUTBOX_IN_MEMORY")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "GRIDCLEAR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "GRIDCLEAR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GRIDCLEAR_S3_REGION")
	setStr(&cfg.S3.Bucket, "GRIDCLEAR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GRIDCLEAR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GRIDCLEAR_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "GRIDCLEAR_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GRIDCLEAR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GRIDCLEAR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GRIDCLEAR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GRIDCLEAR_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "GRIDCLEAR_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GRIDCLEAR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GRIDCLEAR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GRIDCLEAR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Alerts, "GRIDCLEAR_NOTIFY_ALERTS")

	// ── Top-level ──
	setDuration(&cfg.LockTTL, "GRIDCLEAR_LOCK_TTL")
	setStr(&cfg.Mode, "GRIDCLEAR_MODE")
	setStr(&cfg.LogLevel, "GRIDCLEAR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses cleanly.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setStringMap parses "k1=v1,k2=v2". Entries without '=' are skipped.
func setStringMap(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	if len(out) > 0 {
		*dst = out
	}
}
