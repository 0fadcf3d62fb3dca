package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when empty) over the defaults,
// loads .env if present, and applies environment overrides. The result has
// not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Platform-style variables first so PLEDGER_* can override them.
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
		if cfg.Store.Driver == "memory" {
			cfg.Store.Driver = "postgres"
		}
	}
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PLEDGER_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.TradeRate, "PLEDGER_SERVER_TRADE_RATE")
	setInt(&cfg.Server.TradeBurst, "PLEDGER_SERVER_TRADE_BURST")

	// ── Store ──
	setStr(&cfg.Store.Driver, "PLEDGER_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "PLEDGER_STORE_DSN")
	setInt(&cfg.Store.MaxConns, "PLEDGER_STORE_MAX_CONNS")
	setInt(&cfg.Store.MinConns, "PLEDGER_STORE_MIN_CONNS")
	setBool(&cfg.Store.RunMigrations, "PLEDGER_STORE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "PLEDGER_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PLEDGER_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.DistributedLocks, "PLEDGER_REDIS_DISTRIBUTED_LOCKS")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.StartingBalance, "PLEDGER_LEDGER_STARTING_BALANCE")
	setFloat64(&cfg.Ledger.InitialPrice, "PLEDGER_LEDGER_INITIAL_PRICE")
	setFloat64(&cfg.Ledger.Sensitivity, "PLEDGER_LEDGER_SENSITIVITY")
	setFloat64(&cfg.Ledger.PriceFloor, "PLEDGER_LEDGER_PRICE_FLOOR")
	setDuration(&cfg.Ledger.LockTimeout, "PLEDGER_LEDGER_LOCK_TIMEOUT")

	// ── Sweeper ──
	setDuration(&cfg.Sweeper.Interval, "PLEDGER_SWEEPER_INTERVAL")

	// ── Discord ──
	setStr(&cfg.Discord.Token, "PLEDGER_DISCORD_TOKEN")
	setStr(&cfg.Discord.GuildID, "PLEDGER_DISCORD_GUILD_ID")
	setStr(&cfg.Discord.ChannelID, "PLEDGER_DISCORD_CHANNEL_ID")

	// ── Log ──
	setStr(&cfg.Log.Level, "PLEDGER_LOG_LEVEL")
	setStr(&cfg.Log.Format, "PLEDGER_LOG_FORMAT")
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Each helper only mutates the target when the variable is set and parses.

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
