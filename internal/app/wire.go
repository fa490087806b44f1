package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/gridclear/internal/blob/s3"
	"github.com/alanyoungcy/gridclear/internal/cache/redis"
	"github.com/alanyoungcy/gridclear/internal/config"
	"github.com/alanyoungcy/gridclear/internal/crypto"
	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/events"
	"github.com/alanyoungcy/gridclear/internal/ledger/evm"
	"github.com/alanyoungcy/gridclear/internal/ledger/sim"
	"github.com/alanyoungcy/gridclear/internal/metrics"
	"github.com/alanyoungcy/gridclear/internal/notify"
	"github.com/alanyoungcy/gridclear/internal/outbox"
	"github.com/alanyoungcy/gridclear/internal/server/handler"
	"github.com/alanyoungcy/gridclear/internal/store/memory"
	"github.com/alanyoungcy/gridclear/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Stores  domain.Stores
	Metrics *metrics.Metrics

	// Redis-backed coordination. Nil when Redis is disabled.
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	BookCache   domain.BookCache
	SignalBus   domain.SignalBus

	Ledger domain.Ledger

	// Outbox is nil unless the Kafka relay is enabled.
	Outbox    *outbox.Store
	Publisher outbox.Publisher

	// Archiver is nil unless S3 is enabled.
	Archiver *s3blob.Archiver
	Notifier *notify.Notifier

	// Checks feed the readiness endpoint.
	Checks map[string]handler.Check
}

// Sinks returns the event sinks for the wired dependencies, in delivery
// order.
func (d *Dependencies) Sinks() []events.Sink {
	sinks := []events.Sink{events.NewAuditSink(d.Stores.Audit)}
	if d.SignalBus != nil {
		sinks = append(sinks, events.NewBusSink(d.SignalBus))
	}
	if d.Outbox != nil {
		sinks = append(sinks, outbox.NewSink(d.Outbox))
	}
	if d.Archiver != nil {
		sinks = append(sinks, d.Archiver)
	}
	if d.Notifier != nil {
		sinks = append(sinks, d.Notifier)
	}
	return sinks
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	dev := cfg.Mode == "dev"
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Persistence ---
	if dev {
		deps.Stores = memory.New().Stores()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Stores = pgClient.Stores()
		deps.Checks["postgres"] = func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }
	}

	// --- Redis ---
	var txIndex evm.TxIndex
	if cfg.Redis.Enabled && !dev {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Market.BookCacheTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		txIndex = redis.NewTxIndex(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Ledger ---
	switch {
	case dev || cfg.Ledger.Driver == "sim":
		deps.Ledger = sim.New(sim.WithOverdraft())
	default:
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawKey:       cfg.Ledger.PrivateKey,
			KeystorePath: cfg.Ledger.KeystorePath,
			Password:     cfg.Ledger.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: ledger key: %w", err))
		}
		client, err := evm.Dial(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		closers = append(closers, client.Close)

		ledger, err := evm.New(ctx, evm.Config{
			TokenAddress:  cfg.Ledger.TokenAddress,
			TokenDecimals: cfg.Ledger.TokenDecimals,
			ChainID:       cfg.Ledger.ChainID,
			Accounts:      cfg.Ledger.Accounts,
			PollInterval:  cfg.Ledger.PollInterval.Duration,
		}, client, key, txIndex, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		deps.Ledger = ledger
		logger.InfoContext(ctx, "evm ledger ready",
			slog.String("operator", key.Address.Hex()),
			slog.String("token", cfg.Ledger.TokenAddress),
		)
		deps.Checks["ledger"] = func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}
	}

	// --- Outbox + Kafka ---
	if cfg.Outbox.Enabled {
		var opts []outbox.Option
		if cfg.Outbox.InMemory || dev {
			opts = append(opts, outbox.InMemory())
		}
		store, err := outbox.Open(cfg.Outbox.Dir, opts...)
		if err != nil {
			return fail(fmt.Errorf("wire: outbox: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })

		pub := outbox.NewKafkaPublisher(outbox.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
		})
		closers = append(closers, func() { _ = pub.Close() })
		deps.Outbox = store
		deps.Publisher = pub
	}

	// --- S3 epoch reports ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Stores.Epochs,
			deps.Stores.Matches,
			deps.Stores.Settlements,
			deps.Stores.Audit,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIBase,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Alerts, logger)
	}

	return deps, cleanup, nil
}
