// Package app assembles the ledger core from configuration. The server and
// the admin CLI share it so both see the same store, locks and events.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/config"
	"github.com/atmx/prediction-ledger/internal/events"
	"github.com/atmx/prediction-ledger/internal/ledger"
	"github.com/atmx/prediction-ledger/internal/lock"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/rank"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
)

// App is the wired core.
type App struct {
	Store      store.Store
	Locker     lock.Locker
	Bus        *events.Bus
	Markets    *market.Service
	Ledger     *ledger.Ledger
	Settlement *settlement.Engine

	redis   *redis.Client
	cleanup []func()
}

// New opens the store, applies migrations when configured, and builds the
// services. Sinks other than Redis and Discord are added by the caller
// before the bus runs.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}

	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.Store.Driver,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { st.Close() })
	logger.Info("store opened", "driver", cfg.Store.Driver)

	if cfg.Store.RunMigrations {
		applied, err := store.Migrate(ctx, st)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied {
			logger.Info("migrations applied")
		}
	}

	var locker lock.Locker = lock.NewMemoryLocker(cfg.Ledger.LockTimeout.Duration)
	bus := events.NewBus(logger, 0)

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.redis = rdb
		a.cleanup = append(a.cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, logger)
		if cfg.Redis.DistributedLocks {
			locker = lock.NewRedisLocker(rdb, "", cfg.Redis.LockTTL.Duration, cfg.Ledger.LockTimeout.Duration)
		}
		bus.AddSink(events.NewRedisSink(rdb, cfg.Redis.EventStream, ""))
		logger.Info("redis enabled", "distributed_locks", cfg.Redis.DistributedLocks)
	}

	if cfg.Discord.Token != "" {
		dc, err := discordConfig(cfg.Discord)
		if err != nil {
			a.Close()
			return nil, err
		}
		bus.AddSink(events.NewDiscordSink(cfg.Discord.Token, dc))
		logger.Info("discord notifications enabled", "roles", len(dc.Roles))
	}

	engine, err := pricing.NewEngine(
		decimal.NewFromFloat(cfg.Ledger.Sensitivity),
		decimal.NewFromFloat(cfg.Ledger.PriceFloor),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	ranks, err := rank.NewTable(cfg.Ranks)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Store = st
	a.Locker = locker
	a.Bus = bus
	a.Markets = market.NewService(st,
		market.WithInitialPrice(decimal.NewFromFloat(cfg.Ledger.InitialPrice)),
		market.WithLogger(logger),
	)
	a.Ledger = ledger.New(st, locker, ledger.Config{
		Engine:          engine,
		Ranks:           ranks,
		Events:          bus,
		StartingBalance: decimal.NewFromFloat(cfg.Ledger.StartingBalance),
		Logger:          logger,
	})
	a.Settlement = settlement.New(st, locker, settlement.Config{
		Ranks:  ranks,
		Events: bus,
		Logger: logger,
	})
	return a, nil
}

// Ping checks the optional Redis connection.
func (a *App) Ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func discordConfig(cfg config.DiscordConfig) (events.DiscordConfig, error) {
	var dc events.DiscordConfig
	var err error
	if cfg.GuildID != "" {
		if dc.GuildID, err = snowflake.Parse(cfg.GuildID); err != nil {
			return dc, fmt.Errorf("discord guild_id: %w", err)
		}
	}
	if cfg.ChannelID != "" {
		if dc.DefaultChannel, err = snowflake.Parse(cfg.ChannelID); err != nil {
			return dc, fmt.Errorf("discord channel_id: %w", err)
		}
	}
	dc.Roles = make(map[string]snowflake.ID, len(cfg.Roles))
	for tier, raw := range cfg.Roles {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return dc, fmt.Errorf("discord role for %q: %w", tier, err)
		}
		dc.Roles[tier] = id
	}
	return dc, nil
}
