package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/prediction-ledger/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite file (pure Go, no cgo).
// Decimals are stored as text and timestamps as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for
// tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// RunMigrations applies embedded SQL files in order, tracked in
// schema_migrations.
func (s *SQLiteStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, m.name).Scan(&n); err != nil {
			return fmt.Errorf("sqlite: check migration %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: exec migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const liteMarketColumns = `id, text, label_1, label_2, price_1, price_2, deadline,
	resolved, winning_option, auto_generated, channel_id, created_at, resolved_at`

const liteAccountColumns = `id, balance, holdings, correct_predictions, created_at, updated_at`

const liteLedgerColumns = `id, account_id, market_id, option, kind, quantity, price, amount, balance_after, timestamp`

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func scanLiteMarket(row rowScanner) (*model.Market, error) {
	var (
		m                  model.Market
		price1, price2     string
		deadline, created  int64
		winner, resolvedAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Text, &m.Label1, &m.Label2, &price1, &price2, &deadline,
		&m.Resolved, &winner, &m.AutoGenerated, &m.ChannelID, &created, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Price1, err = decimal.NewFromString(price1); err != nil {
		return nil, fmt.Errorf("market %d price_1: %w", m.ID, err)
	}
	if m.Price2, err = decimal.NewFromString(price2); err != nil {
		return nil, fmt.Errorf("market %d price_2: %w", m.ID, err)
	}
	m.Deadline = fromNanos(deadline)
	m.CreatedAt = fromNanos(created)
	if winner.Valid {
		o := model.Option(winner.Int64)
		m.WinningOption = &o
	}
	if resolvedAt.Valid {
		t := fromNanos(resolvedAt.Int64)
		m.ResolvedAt = &t
	}
	return &m, nil
}

func scanLiteAccount(row rowScanner) (*model.Account, error) {
	var (
		a                model.Account
		balance          string
		holdings         string
		created, updated int64
	)
	if err := row.Scan(&a.ID, &balance, &holdings, &a.CorrectPredictions, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("balance for %s: %w", a.ID, err)
	}
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.Holdings = model.Holdings{}
	if err := json.Unmarshal([]byte(holdings), &a.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", a.ID, err)
	}
	return &a, nil
}

func liteGetMarket(ctx context.Context, q sqlQuerier, id int64) (*model.Market, error) {
	m, err := scanLiteMarket(q.QueryRowContext(ctx, `SELECT `+liteMarketColumns+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get market %d: %w", id, err)
	}
	return m, nil
}

func liteGetAccount(ctx context.Context, q sqlQuerier, id string) (*model.Account, error) {
	a, err := scanLiteAccount(q.QueryRowContext(ctx, `SELECT `+liteAccountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get account %s: %w", id, err)
	}
	return a, nil
}

const liteHoldsClause = `EXISTS (SELECT 1 FROM json_each(accounts.holdings) WHERE json_each.key = ?)`

func liteHolders(ctx context.Context, q sqlQuerier, marketID int64) ([]*model.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+liteAccountColumns+` FROM accounts WHERE `+liteHoldsClause+` ORDER BY id`,
		strconv.FormatInt(marketID, 10))
	if err != nil {
		return nil, fmt.Errorf("sqlite: holders of %d: %w", marketID, err)
	}
	defer rows.Close()

	var holders []*model.Account
	for rows.Next() {
		a, err := scanLiteAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan holder: %w", err)
		}
		holders = append(holders, a)
	}
	return holders, rows.Err()
}

func liteLedger(ctx context.Context, q sqlQuerier, where string, arg any) ([]model.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+liteLedgerColumns+` FROM ledger_entries WHERE `+where+` = ? ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ledger by %s: %w", where, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e                                  model.LedgerEntry
			option                             int
			kind, qtyS, priceS, amountS, after string
			ts                                 int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.MarketID, &option, &kind,
			&qtyS, &priceS, &amountS, &after, &ts); err != nil {
			return nil, err
		}
		e.Option = model.Option(option)
		e.Kind = model.EntryKind(kind)
		if err := parseAmounts(&e, qtyS, priceS, amountS, after); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO markets (text, label_1, label_2, price_1, price_2, deadline, auto_generated, channel_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Text, m.Label1, m.Label2, m.Price1.String(), m.Price2.String(),
		m.Deadline.UnixNano(), m.AutoGenerated, m.ChannelID, m.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create market: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create market: %w", err)
	}
	m.ID = id
	return nil
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return liteGetMarket(ctx, s.db, id)
}

func (s *SQLiteStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	var (
		where string
		args  []any
	)
	switch f.Status {
	case StatusOpen:
		where, args = "WHERE resolved = 0 AND deadline > ?", []any{f.Now.UnixNano()}
	case StatusOverdue:
		where, args = "WHERE resolved = 0 AND deadline < ?", []any{f.Now.UnixNano()}
	case StatusResolved:
		where = "WHERE resolved = 1"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+liteMarketColumns+` FROM markets `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanLiteMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return liteGetAccount(ctx, s.db, id)
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, limit int) ([]model.Account, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteAccountColumns+` FROM accounts
		 ORDER BY correct_predictions DESC, CAST(balance AS REAL) DESC, id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanLiteAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) ListHolders(ctx context.Context, marketID int64) ([]string, error) {
	holders, err := liteHolders(ctx, s.db, marketID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(holders))
	for _, a := range holders {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *SQLiteStore) GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	return liteLedger(ctx, s.db, "market_id", marketID)
}

func (s *SQLiteStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return liteLedger(ctx, s.db, "account_id", accountID)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &liteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// liteTx implements Tx. The single connection serializes writers, so reads
// need no explicit row locks.
type liteTx struct {
	tx *sql.Tx
}

func (t *liteTx) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return liteGetMarket(ctx, t.tx, id)
}

func (t *liteTx) guardMarket(ctx context.Context, id int64, res sql.Result, resolvedErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := liteGetMarket(ctx, t.tx, id); err != nil {
		return err
	}
	return resolvedErr
}

func (t *liteTx) ApplyPriceUpdate(ctx context.Context, id int64, price1, price2 decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE markets SET price_1 = ?, price_2 = ? WHERE id = ? AND resolved = 0`,
		price1.String(), price2.String(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update prices %d: %w", id, err)
	}
	return t.guardMarket(ctx, id, res, model.ErrMarketResolved)
}

func (t *liteTx) MarkResolved(ctx context.Context, id int64, winner *model.Option, at time.Time) error {
	var w sql.NullInt64
	if winner != nil {
		w = sql.NullInt64{Int64: int64(*winner), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE markets SET resolved = 1, winning_option = ?, resolved_at = ? WHERE id = ? AND resolved = 0`,
		w, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: resolve market %d: %w", id, err)
	}
	return t.guardMarket(ctx, id, res, model.ErrAlreadyResolved)
}

func (t *liteTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return liteGetAccount(ctx, t.tx, id)
}

func (t *liteTx) PutAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(a.Holdings)
	if err != nil {
		return fmt.Errorf("sqlite: encode holdings for %s: %w", a.ID, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, holdings, correct_predictions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     balance = excluded.balance,
		     holdings = excluded.holdings,
		     correct_predictions = excluded.correct_predictions,
		     updated_at = excluded.updated_at`,
		a.ID, a.Balance.String(), string(holdings), a.CorrectPredictions,
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: put account %s: %w", a.ID, err)
	}
	return nil
}

func (t *liteTx) ListHolders(ctx context.Context, marketID int64) ([]*model.Account, error) {
	return liteHolders(ctx, t.tx, marketID)
}

func (t *liteTx) AppendLedger(ctx context.Context, entries ...model.LedgerEntry) error {
	for _, e := range entries {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (`+liteLedgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.AccountID, e.MarketID, int(e.Option), string(e.Kind),
			e.Quantity.String(), e.Price.String(), e.Amount.String(), e.BalanceAfter.String(),
			e.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("sqlite: append ledger: %w", err)
		}
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
