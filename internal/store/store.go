// Package store defines the persistence contract for the ledger.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
//
// Every mutation runs inside Update. A Tx either commits as a whole or leaves
// no trace.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// MarketStatus filters ListMarkets.
type MarketStatus string

const (
	StatusAll      MarketStatus = "all"
	StatusOpen     MarketStatus = "open"     // unresolved, deadline after Now
	StatusOverdue  MarketStatus = "overdue"  // unresolved, deadline before Now
	StatusResolved MarketStatus = "resolved" // resolved with or without a winner
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case StatusAll, StatusOpen, StatusOverdue, StatusResolved:
		return true
	}
	return false
}

// MarketFilter selects markets. Now is required for open and overdue.
type MarketFilter struct {
	Status MarketStatus
	Now    time.Time
}

// Match reports whether m passes the filter.
func (f MarketFilter) Match(m *model.Market) bool {
	switch f.Status {
	case StatusOpen:
		return !m.Resolved && m.Deadline.After(f.Now)
	case StatusOverdue:
		return !m.Resolved && m.Deadline.Before(f.Now)
	case StatusResolved:
		return m.Resolved
	default:
		return true
	}
}

// Store is the persistence interface.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market and assigns m.ID.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket returns model.ErrMarketNotFound for an unknown id.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns matching markets ordered by id.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// --- Accounts ---

	// GetAccount returns model.ErrAccountNotFound for a participant that has
	// never been written.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns accounts ordered by correct predictions, then
	// balance, both descending. limit <= 0 means no limit.
	ListAccounts(ctx context.Context, limit int) ([]model.Account, error)

	// ListHolders returns the ids of accounts holding any position in the
	// market, sorted.
	ListHolders(ctx context.Context, marketID int64) ([]string, error)

	// --- Immutable journal ---

	GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error)
	GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// Update runs fn in a transaction. If fn returns an error nothing it did
	// is kept and the error is returned unchanged.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases connections.
	Close() error
}

// Tx is the read-modify-write view inside Update. Reads lock the rows they
// return until the transaction ends.
type Tx interface {
	// GetMarket returns model.ErrMarketNotFound for an unknown id.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ApplyPriceUpdate sets both prices. It fails with model.ErrMarketResolved
	// once the market is resolved.
	ApplyPriceUpdate(ctx context.Context, id int64, price1, price2 decimal.Decimal) error

	// MarkResolved closes the market with winner (nil for expiry). It fails
	// with model.ErrAlreadyResolved on a second call.
	MarkResolved(ctx context.Context, id int64, winner *model.Option, at time.Time) error

	// GetAccount returns model.ErrAccountNotFound for an unseen participant.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// PutAccount inserts or replaces the account.
	PutAccount(ctx context.Context, a *model.Account) error

	// ListHolders returns accounts holding any position in the market.
	ListHolders(ctx context.Context, marketID int64) ([]*model.Account, error)

	// AppendLedger records journal entries.
	AppendLedger(ctx context.Context, entries ...model.LedgerEntry) error
}

// Migrator is implemented by stores with a versioned schema.
type Migrator interface {
	RunMigrations(ctx context.Context) error
}

// parseAmounts decodes the decimal text columns of a ledger row into e.
func parseAmounts(e *model.LedgerEntry, quantity, price, amount, balanceAfter string) error {
	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"quantity", quantity, &e.Quantity},
		{"price", price, &e.Price},
		{"amount", amount, &e.Amount},
		{"balance_after", balanceAfter, &e.BalanceAfter},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("ledger entry %s %s: %w", e.ID, f.name, err)
		}
		*f.dst = v
	}
	return nil
}
