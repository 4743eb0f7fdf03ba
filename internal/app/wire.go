package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/arborlabs/arbd/internal/blob/s3"
	"github.com/arborlabs/arbd/internal/cache/redis"
	"github.com/arborlabs/arbd/internal/config"
	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/notify"
	"github.com/arborlabs/arbd/internal/store/memory"
	"github.com/arborlabs/arbd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	OpportunityStore domain.OpportunityStore
	UnlockStore      domain.UnlockStore
	ExecutionStore   domain.ExecutionStore
	UserStore        domain.UserStore
	AuditStore       domain.AuditStore

	// Caches and coordination
	LockManager  domain.LockManager
	TradeCounter domain.TradeCounter
	BalanceCache domain.BalanceCache
	RateLimiter  domain.RateLimiter
	SignalBus    domain.SignalBus

	// Blob storage (nil unless S3 is enabled)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health checks keyed by dependency name.
	Pingers map[string]func(context.Context) error
}

// usePostgres reports whether a database connection is configured. With
// neither a DSN nor a host the service runs on in-memory stores, which is
// the expected setup for local detection-only runs.
func usePostgres(cfg *config.Config) bool {
	return cfg.Postgres.DSN != "" || cfg.Postgres.Host != ""
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Pingers: make(map[string]func(context.Context) error),
	}

	// --- Persistence: PostgreSQL when configured, in-memory otherwise ---
	if usePostgres(cfg) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.OpportunityStore = postgres.NewOpportunityStore(pool)
		deps.UnlockStore = postgres.NewUnlockStore(pool)
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.UserStore = postgres.NewUserStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pgClient.Ping
	} else {
		logger.Warn("wire: postgres not configured, using in-memory stores")
		deps.OpportunityStore = memory.NewOpportunityStore()
		deps.UnlockStore = memory.NewUnlockStore()
		deps.ExecutionStore = memory.NewExecutionStore()
		deps.UserStore = memory.NewUserStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.LockManager = redis.NewLockManager(redisClient)
	deps.TradeCounter = redis.NewTradeCounter(redisClient)
	deps.BalanceCache = redis.NewBalanceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Pingers["redis"] = redisClient.Ping

	// --- S3 blob storage for the history archiver ---
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.OpportunityStore,
			deps.ExecutionStore,
			deps.AuditStore,
		)
		deps.Pingers["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
