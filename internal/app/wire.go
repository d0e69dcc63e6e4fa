package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/poolledger/internal/blob/s3"
	"github.com/alanyoungcy/poolledger/internal/cache/redis"
	"github.com/alanyoungcy/poolledger/internal/chain"
	"github.com/alanyoungcy/poolledger/internal/config"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
	"github.com/alanyoungcy/poolledger/internal/notify"
	"github.com/alanyoungcy/poolledger/internal/service"
	"github.com/alanyoungcy/poolledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	PoolStore       domain.PoolStore
	FeeConfigStore  domain.FeeConfigStore
	AccruedFeeStore domain.AccruedFeeStore
	WatermarkStore  domain.WatermarkStore
	InvestmentStore domain.InvestmentStore
	RedemptionStore domain.RedemptionStore
	SwapStore       domain.SwapStore
	AuditStore      domain.AuditStore

	// Caches
	NavCache    domain.NavCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Chain
	PayloadBuilder *chain.PayloadBuilder
	Executor       domain.OnChainExecutor

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.LedgerArchiver

	// Notifications
	Notifier *notify.Notifier
}

// needsChain returns true for modes that submit settlement transactions.
func needsChain(mode string) bool {
	switch mode {
	case "full", "settle":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
	deps.PoolStore = postgres.NewPoolStore(pool)
	deps.FeeConfigStore = postgres.NewFeeConfigStore(pool)
	deps.AccruedFeeStore = postgres.NewAccruedFeeStore(pool)
	deps.WatermarkStore = postgres.NewWatermarkStore(pool)
	deps.InvestmentStore = postgres.NewInvestmentStore(pool)
	deps.RedemptionStore = postgres.NewRedemptionStore(pool)
	deps.SwapStore = postgres.NewSwapStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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

	deps.NavCache = redis.NewNavCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Chain ---
	if cfg.Chain.SettlementAddress != "" || cfg.Chain.USDCAddress != "" {
		builder, err := chain.NewPayloadBuilder(chain.Addresses{
			Settlement: cfg.Chain.SettlementAddress,
			USDC:       cfg.Chain.USDCAddress,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: payload builder: %w", err)
		}
		deps.PayloadBuilder = builder

		if needsChain(cfg.Mode) {
			sender, err := chain.NewRPCSender(ctx, cfg.Chain.RPCURL, cfg.Chain.PrivateKey, cfg.Chain.ChainID, logger)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: rpc sender: %w", err)
			}
			closers = append(closers, sender.Close)
			deps.Executor = chain.NewExecutor(builder, sender, logger)
		}
	}

	// --- S3 blob storage ---
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
		deps.Archiver = s3blob.NewLedgerArchiver(deps.BlobWriter, deps.InvestmentStore, deps.AuditStore, logger)
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

// Services bundles the three engines built on top of Dependencies.
type Services struct {
	Fees        *service.FeeService
	Redemptions *service.RedemptionService
	Swaps       *service.SwapService
}

// BuildServices constructs the fee, redemption and swap services from wired
// dependencies.
func BuildServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Services, error) {
	fees := service.NewFeeService(
		deps.PoolStore,
		deps.FeeConfigStore,
		deps.AccruedFeeStore,
		deps.WatermarkStore,
		deps.SignalBus,
		deps.AuditStore,
		service.FeeDefaults{
			ManagementFeeBps:  fixedpoint.Bps(cfg.Fees.ManagementFeeBps),
			PerformanceFeeBps: fixedpoint.Bps(cfg.Fees.PerformanceFeeBps),
			EntryFeeBps:       fixedpoint.Bps(cfg.Fees.EntryFeeBps),
			ExitFeeBps:        fixedpoint.Bps(cfg.Fees.ExitFeeBps),
			Treasury:          cfg.Fees.Treasury,
			Admins:            cfg.Fees.Admins,
		},
		logger,
	)

	redemptions := service.NewRedemptionService(
		deps.PoolStore,
		deps.InvestmentStore,
		deps.RedemptionStore,
		deps.RateLimiter,
		deps.Executor,
		deps.SignalBus,
		deps.AuditStore,
		service.RedemptionParams{
			RateLimit:  cfg.Queue.RateLimit,
			RateWindow: cfg.Queue.RateWindow.Duration,
			Admins:     cfg.Fees.Admins,
		},
		logger,
	)

	var swaps *service.SwapService
	if deps.PayloadBuilder != nil {
		minNav, maxNav, err := cfg.Swap.NavBand()
		if err != nil {
			return nil, fmt.Errorf("wire: swap nav band: %w", err)
		}
		swaps = service.NewSwapService(
			deps.PoolStore,
			deps.InvestmentStore,
			deps.RedemptionStore,
			deps.SwapStore,
			deps.NavCache,
			deps.PayloadBuilder,
			deps.SignalBus,
			deps.AuditStore,
			service.SwapLimits{
				MinNav: minNav,
				MaxNav: maxNav,
				FeeBps: fixedpoint.Bps(cfg.Swap.FeeBps),
			},
			logger,
		)
	}

	return &Services{Fees: fees, Redemptions: redemptions, Swaps: swaps}, nil
}

