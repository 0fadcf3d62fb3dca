// Package config holds the service configuration: built-in defaults, an
// optional TOML file, a .env file and PLEDGER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/prediction-ledger/internal/rank"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Redis   RedisConfig   `toml:"redis"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Sweeper SweeperConfig `toml:"sweeper"`
	Ranks   []rank.Tier   `toml:"ranks"`
	Discord DiscordConfig `toml:"discord"`
	Log     LogConfig     `toml:"log"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port         int      `toml:"port"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	IdleTimeout  duration `toml:"idle_timeout"`
	CORSOrigins  []string `toml:"cors_origins"`
	// TradeRate is the sustained per-account trade rate, per second.
	TradeRate  float64 `toml:"trade_rate"`
	TradeBurst int     `toml:"trade_burst"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver        string `toml:"driver"` // memory, postgres, sqlite
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache, distributed locks and the
// event stream. An empty URL disables Redis entirely.
type RedisConfig struct {
	URL              string   `toml:"url"`
	CacheTTL         duration `toml:"cache_ttl"`
	DistributedLocks bool     `toml:"distributed_locks"`
	LockTTL          duration `toml:"lock_ttl"`
	EventStream      string   `toml:"event_stream"`
}

// LedgerConfig holds the trading constants.
type LedgerConfig struct {
	StartingBalance float64  `toml:"starting_balance"`
	InitialPrice    float64  `toml:"initial_price"`
	Sensitivity     float64  `toml:"sensitivity"`
	PriceFloor      float64  `toml:"price_floor"`
	LockTimeout     duration `toml:"lock_timeout"`
}

// SweeperConfig controls the expiry loop.
type SweeperConfig struct {
	Interval duration `toml:"interval"`
}

// DiscordConfig enables the Discord sink when Token is set.
type DiscordConfig struct {
	Token     string `toml:"token"`
	GuildID   string `toml:"guild_id"`
	ChannelID string `toml:"channel_id"`
	// Roles maps tier names to guild role ids.
	Roles map[string]string `toml:"roles"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  duration{10 * time.Second},
			WriteTimeout: duration{10 * time.Second},
			IdleTimeout:  duration{60 * time.Second},
			CORSOrigins:  []string{"*"},
			TradeRate:    5,
			TradeBurst:   10,
		},
		Store: StoreConfig{
			Driver:        "memory",
			MaxConns:      10,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:    duration{30 * time.Second},
			LockTTL:     duration{30 * time.Second},
			EventStream: "pledger:events",
		},
		Ledger: LedgerConfig{
			StartingBalance: 20,
			InitialPrice:    5,
			Sensitivity:     0.01,
			PriceFloor:      0.5,
			LockTimeout:     duration{5 * time.Second},
		},
		Sweeper: SweeperConfig{Interval: duration{60 * time.Second}},
		Ranks:   append([]rank.Tier(nil), rank.DefaultTiers...),
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks ranges and cross-field constraints and reports every
// problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.TradeRate < 0 {
		errs = append(errs, "server: trade_rate must be >= 0")
	}
	if c.Server.TradeRate > 0 && c.Server.TradeBurst < 1 {
		errs = append(errs, "server: trade_burst must be >= 1 when trade_rate is set")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, "store: dsn is required for driver "+c.Store.Driver)
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, sqlite)", c.Store.Driver))
	}
	if c.Store.MaxConns < 1 {
		errs = append(errs, "store: max_conns must be >= 1")
	}
	if c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
		errs = append(errs, "store: min_conns must be between 0 and max_conns")
	}

	if c.Redis.DistributedLocks && c.Redis.URL == "" {
		errs = append(errs, "redis: distributed_locks requires url")
	}

	if c.Ledger.StartingBalance <= 0 {
		errs = append(errs, "ledger: starting_balance must be > 0")
	}
	if c.Ledger.InitialPrice <= 0 {
		errs = append(errs, "ledger: initial_price must be > 0")
	}
	if c.Ledger.Sensitivity <= 0 {
		errs = append(errs, "ledger: sensitivity must be > 0")
	}
	if c.Ledger.PriceFloor <= 0 {
		errs = append(errs, "ledger: price_floor must be > 0")
	}
	if c.Ledger.InitialPrice < c.Ledger.PriceFloor {
		errs = append(errs, "ledger: initial_price must not be below price_floor")
	}
	if c.Ledger.LockTimeout.Duration <= 0 {
		errs = append(errs, "ledger: lock_timeout must be > 0")
	}

	if c.Sweeper.Interval.Duration < time.Second {
		errs = append(errs, "sweeper: interval must be >= 1s")
	}

	if _, err := rank.NewTable(c.Ranks); err != nil {
		errs = append(errs, "ranks: "+err.Error())
	}

	if c.Discord.Token != "" && c.Discord.ChannelID == "" && c.Discord.GuildID == "" {
		errs = append(errs, "discord: set channel_id or guild_id when token is set")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: json, text)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
