package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/lmsrmarket/internal/blob/s3"
	"github.com/alanyoungcy/lmsrmarket/internal/cache/memory"
	"github.com/alanyoungcy/lmsrmarket/internal/cache/redis"
	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
	"github.com/alanyoungcy/lmsrmarket/internal/executor"
	"github.com/alanyoungcy/lmsrmarket/internal/gate"
	"github.com/alanyoungcy/lmsrmarket/internal/notify"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/evm"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/oracle"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/store/postgres"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Ledger domain.LedgerStore
	Trades domain.TradeStore
	Audit  domain.AuditStore

	// Caches and coordination. Locks is nil without Redis.
	Cache       domain.SnapshotCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// Archiver is nil unless S3 is enabled.
	Archiver domain.Archiver

	// Collaborators. Only api and all modes own an engine; keeper and
	// archiver processes never write the ledger.
	Engine   *engine.Engine
	Oracle   domain.Oracle
	Dedup    *executor.Dedup
	Notifier *notify.Notifier

	// Health maps dependency names to probes for /api/health.
	Health map[string]handler.HealthCheck
}

// OpenArchive connects to the archive bucket described by c.
func OpenArchive(ctx context.Context, c config.S3Config) (*s3blob.Client, error) {
	if !c.Enabled {
		return nil, fmt.Errorf("s3 is not enabled")
	}
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       c.Endpoint,
		Region:         c.Region,
		Bucket:         c.Bucket,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		UseSSL:         c.UseSSL,
		ForcePathStyle: c.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	return client, nil
}

// Stores are the ledger, journal and audit stores of one database.
type Stores struct {
	Ledger domain.LedgerStore
	Trades domain.TradeStore
	Audit  domain.AuditStore
	Ping   handler.HealthCheck
}

// OpenStores opens the configured database. migrate applies the embedded
// Postgres migrations; the SQLite schema is always applied on open.
func OpenStores(ctx context.Context, cfg *config.Config, migrate bool) (*Stores, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
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
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if migrate {
			if err := pgClient.RunMigrations(ctx); err != nil {
				pgClient.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		return &Stores{
			Ledger: postgres.NewLedgerStore(pgClient),
			Trades: postgres.NewTradeStore(pgClient),
			Audit:  postgres.NewAuditStore(pgClient),
			Ping:   pgClient.Ping,
		}, pgClient.Close, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return &Stores{
			Ledger: sqlite.NewLedgerStore(db),
			Trades: sqlite.NewTradeStore(db),
			Audit:  sqlite.NewAuditStore(db),
			Ping:   db.Ping,
		}, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// ownsEngine reports whether mode runs the in-memory ledger. Only one
// engine-owning process may run against a store at a time; a keeper
// process settles through that process's API.
func ownsEngine(mode string) bool {
	switch strings.ToLower(mode) {
	case "api", "all":
		return true
	}
	return false
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

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Ledger store ---
	stores, closeStores, err := OpenStores(ctx, cfg, cfg.Postgres.RunMigrations)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, closeStores)
	deps.Ledger = stores.Ledger
	deps.Trades = stores.Trades
	deps.Audit = stores.Audit
	deps.Health["database"] = stores.Ping

	// --- Redis, or in-process stand-ins for a single node ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Health["redis"] = redisClient.Ping
	} else {
		logger.InfoContext(ctx, "wire: redis disabled, using in-process cache, bus and rate limiter")
		deps.Cache = memory.NewSnapshotCache(4096, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = memory.NewRateLimiter(65_536, 10*time.Minute)
		deps.Bus = memory.NewSignalBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := OpenArchive(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Trades, deps.Audit)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	deps.Notifier = notify.NewNotifier(buildSenders(ctx, cfg.Notify, logger), cfg.Notify.Events, logger)

	if !ownsEngine(cfg.Mode) {
		return deps, cleanup, nil
	}

	// --- Collaborators ---
	var signer *crypto.Signer
	if cfg.Custody.Kind == "http" || cfg.Oracle.Kind == "http" {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawKey:   cfg.Wallet.PrivateKey,
			KeyFile:  cfg.Wallet.EncryptedKeyPath,
			Password: cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: signing key: %w", err))
		}
		if signer, err = crypto.NewSigner(key, cfg.Wallet.ChainID); err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		logger.InfoContext(ctx, "wire: operator signer loaded", slog.String("address", signer.Address()))
	}

	var bank domain.Custody
	switch cfg.Custody.Kind {
	case "http":
		var auth *crypto.HMACAuth
		if cfg.Custody.APIKey != "" {
			auth = &crypto.HMACAuth{Key: cfg.Custody.APIKey, Secret: cfg.Custody.APISecret}
		}
		client := custody.NewClient(cfg.Custody.URL, signer, auth, cfg.Custody.Timeout.Duration)
		scaled, err := custody.NewScaled(client, cfg.Custody.AssetDecimals)
		if err != nil {
			return fail(fmt.Errorf("wire: custody: %w", err))
		}
		bank = scaled
	default:
		logger.WarnContext(ctx, "wire: in-memory custody, balances are lost on restart")
		bank = custody.NewMemory()
	}

	switch cfg.Oracle.Kind {
	case "http":
		deps.Oracle = oracle.NewClient(cfg.Oracle.URL, signer, cfg.Oracle.Timeout.Duration)
	default:
		deps.Oracle = oracle.NewOptimistic(cfg.Engine.Liveness.Duration, nil)
	}

	var balances domain.BalanceReader
	if cfg.EVM.RPCURL != "" {
		reader, err := evm.Dial(ctx, cfg.EVM.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: evm: %w", err))
		}
		closers = append(closers, reader.Close)
		balances = gate.NewCachedReader(reader, cfg.EVM.GateCacheSize, cfg.EVM.GateCacheTTL.Duration)
	}

	// --- Engine ---
	ecfg, err := engineConfig(cfg.Engine)
	if err != nil {
		return fail(fmt.Errorf("wire: engine config: %w", err))
	}
	ecfg.CustodyTimeout = cfg.Custody.Timeout.Duration
	deps.Dedup = executor.NewDedup(cfg.Engine.DedupTTL.Duration)
	eng, err := engine.New(ecfg, engine.Deps{
		Store:    deps.Ledger,
		Custody:  bank,
		Oracle:   deps.Oracle,
		Balances: balances,
		Bus:      deps.Bus,
		Cache:    deps.Cache,
		Alerter:  deps.Notifier,
		Dedup:    deps.Dedup,
		Logger:   logger.With(slog.String("component", "engine")),
	})
	if err != nil {
		return fail(fmt.Errorf("wire: engine: %w", err))
	}
	if err := eng.Load(ctx); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Engine = eng
	deps.Health["ledger"] = eng.VerifyInvariants

	return deps, cleanup, nil
}

// buildSenders creates a sender per configured channel. A channel that
// fails to initialise is skipped with a warning.
func buildSenders(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
		})
		if err != nil {
			logger.WarnContext(ctx, "wire: telegram disabled", slog.String("error", err.Error()))
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders
}

// engineConfig converts the file form of the market rules.
func engineConfig(c config.EngineConfig) (engine.Config, error) {
	minL, err := wad.Parse(c.MinLiquidity)
	if err != nil {
		return engine.Config{}, fmt.Errorf("min_liquidity: %w", err)
	}
	maxL, err := wad.Parse(c.MaxLiquidity)
	if err != nil {
		return engine.Config{}, fmt.Errorf("max_liquidity: %w", err)
	}
	rules := make([]domain.GateRule, 0, len(c.GateRules))
	for i, r := range c.GateRules {
		threshold, err := uint256.FromDecimal(r.Threshold)
		if err != nil {
			return engine.Config{}, fmt.Errorf("gate_rules[%d]: threshold %q: %w", i, r.Threshold, err)
		}
		rules = append(rules, domain.GateRule{Kind: domain.GateKind(r.Kind), Asset: r.Asset, Threshold: *threshold})
	}
	if len(c.Operators) == 0 {
		return engine.Config{}, errors.New("at least one operator is required")
	}
	return engine.Config{
		ProtocolFeeBps: c.ProtocolFeeBps,
		Liveness:       c.Liveness.Duration,
		MaxOutcomes:    c.MaxOutcomes,
		MinLiquidity:   minL,
		MaxLiquidity:   maxL,
		AllowSell:      c.AllowSell,
		Operators:      c.Operators,
		Gate:           domain.GatePolicy{PublicCreation: c.PublicCreation, Rules: rules},
	}, nil
}
