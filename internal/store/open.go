package store

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Driver   string // memory | postgres | sqlite
	DSN      string
	MaxConns int
	MinConns int
}

// Open builds the configured backend. Migrations are not applied here.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return OpenPostgres(ctx, PostgresConfig{DSN: opts.DSN, MaxConns: opts.MaxConns, MinConns: opts.MinConns})
	case "sqlite":
		return OpenSQLite(opts.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

// Migrate applies pending migrations when s has a versioned schema.
func Migrate(ctx context.Context, s Store) (bool, error) {
	m, ok := s.(Migrator)
	if !ok {
		return false, nil
	}
	return true, m.RunMigrations(ctx)
}
