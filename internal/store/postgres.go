package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// PostgresConfig holds connection parameters for the PostgreSQL store.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money and prices are stored as NUMERIC for exact decimal precision;
// holdings are a JSONB document keyed by market id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects a pool configured from cfg and pings it.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RunMigrations applies embedded SQL files in lexicographic order and tracks
// applied files in schema_migrations. Call once at startup.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", m.name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", m.name, err)
		}
		if exists {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", m.name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

const pgMarketColumns = `id, text, label_1, label_2,
	price_1::TEXT, price_2::TEXT, deadline, resolved, winning_option,
	auto_generated, channel_id, created_at, resolved_at`

const pgAccountColumns = `id, balance::TEXT, holdings, correct_predictions, created_at, updated_at`

const pgLedgerColumns = `id::TEXT, account_id, market_id, option, kind,
	quantity::TEXT, price::TEXT, amount::TEXT, balance_after::TEXT, timestamp`

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var price1, price2 string
	var winner *int16
	if err := row.Scan(&m.ID, &m.Text, &m.Label1, &m.Label2,
		&price1, &price2, &m.Deadline, &m.Resolved, &winner,
		&m.AutoGenerated, &m.ChannelID, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Price1, err = decimal.NewFromString(price1); err != nil {
		return nil, fmt.Errorf("market %d price_1: %w", m.ID, err)
	}
	if m.Price2, err = decimal.NewFromString(price2); err != nil {
		return nil, fmt.Errorf("market %d price_2: %w", m.ID, err)
	}
	if winner != nil {
		o := model.Option(*winner)
		m.WinningOption = &o
	}
	return &m, nil
}

func scanPgAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance string
	var holdings []byte
	if err := row.Scan(&a.ID, &balance, &holdings, &a.CorrectPredictions, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("balance for %s: %w", a.ID, err)
	}
	a.Holdings = model.Holdings{}
	if err := json.Unmarshal(holdings, &a.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings for %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanPgLedger(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var option int16
		var kind, qtyS, priceS, amountS, afterS string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.MarketID, &option, &kind,
			&qtyS, &priceS, &amountS, &afterS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Option = model.Option(option)
		e.Kind = model.EntryKind(kind)
		if err := parseAmounts(&e, qtyS, priceS, amountS, afterS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO markets (text, label_1, label_2, price_1, price_2, deadline, auto_generated, channel_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 RETURNING id`,
		m.Text, m.Label1, m.Label2, m.Price1.String(), m.Price2.String(),
		m.Deadline, m.AutoGenerated, m.ChannelID, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("postgres: create market: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := scanPgMarket(s.pool.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	var (
		where string
		args  []any
	)
	switch f.Status {
	case StatusOpen:
		where, args = "WHERE NOT resolved AND deadline > $1", []any{f.Now}
	case StatusOverdue:
		where, args = "WHERE NOT resolved AND deadline < $1", []any{f.Now}
	case StatusResolved:
		where = "WHERE resolved"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, limit int) ([]model.Account, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts
		 ORDER BY correct_predictions DESC, balance DESC, id
		 LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ListHolders(ctx context.Context, marketID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM accounts WHERE holdings ? $1 ORDER BY id`,
		strconv.FormatInt(marketID, 10))
	if err != nil {
		return nil, fmt.Errorf("postgres: list holders of %d: %w", marketID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list holders of %d: %w", marketID, err)
	}
	return ids, nil
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgLedgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger for market %d: %w", marketID, err)
	}
	return scanPgLedger(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgLedgerColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger for account %s: %w", accountID, err)
	}
	return scanPgLedger(rows)
}

func (s *PostgresStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return numericOutOfRange(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return numericOutOfRange(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// numericOutOfRange turns a numeric_value_out_of_range failure into an
// invalid amount rejection; other errors pass through.
func numericOutOfRange(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22003" {
		return model.Reject(model.ErrInvalidAmount, "amount", "out of range")
	}
	return err
}

// pgTx implements Tx. Reads take row locks with FOR UPDATE.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := scanPgMarket(t.tx.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock market %d: %w", id, err)
	}
	return m, nil
}

// marketMissOr distinguishes a missing market from one that failed a
// NOT resolved guard.
func (t *pgTx) marketMissOr(ctx context.Context, id int64, resolvedErr error) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check market %d: %w", id, err)
	}
	if !exists {
		return model.ErrMarketNotFound
	}
	return resolvedErr
}

func (t *pgTx) ApplyPriceUpdate(ctx context.Context, id int64, price1, price2 decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET price_1 = $2::NUMERIC, price_2 = $3::NUMERIC
		 WHERE id = $1 AND NOT resolved`,
		id, price1.String(), price2.String())
	if err != nil {
		return fmt.Errorf("postgres: update prices %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return t.marketMissOr(ctx, id, model.ErrMarketResolved)
	}
	return nil
}

func (t *pgTx) MarkResolved(ctx context.Context, id int64, winner *model.Option, at time.Time) error {
	var w any
	if winner != nil {
		w = int16(*winner)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET resolved = TRUE, winning_option = $2, resolved_at = $3
		 WHERE id = $1 AND NOT resolved`,
		id, w, at)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return t.marketMissOr(ctx, id, model.ErrAlreadyResolved)
	}
	return nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanPgAccount(t.tx.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock account %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	holdings, err := json.Marshal(a.Holdings)
	if err != nil {
		return fmt.Errorf("postgres: encode holdings for %s: %w", a.ID, err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO accounts (id, balance, holdings, correct_predictions, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::JSONB, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     balance = EXCLUDED.balance,
		     holdings = EXCLUDED.holdings,
		     correct_predictions = EXCLUDED.correct_predictions,
		     updated_at = EXCLUDED.updated_at`,
		a.ID, a.Balance.String(), string(holdings), a.CorrectPredictions, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put account %s: %w", a.ID, err)
	}
	return nil
}

func (t *pgTx) ListHolders(ctx context.Context, marketID int64) ([]*model.Account, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE holdings ? $1 ORDER BY id FOR UPDATE`,
		strconv.FormatInt(marketID, 10))
	if err != nil {
		return nil, fmt.Errorf("postgres: lock holders of %d: %w", marketID, err)
	}
	defer rows.Close()

	var holders []*model.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan holder: %w", err)
		}
		holders = append(holders, a)
	}
	return holders, rows.Err()
}

func (t *pgTx) AppendLedger(ctx context.Context, entries ...model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, account_id, market_id, option, kind, quantity, price, amount, balance_after, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			e.ID, e.AccountID, e.MarketID, int16(e.Option), string(e.Kind),
			e.Quantity.String(), e.Price.String(), e.Amount.String(), e.BalanceAfter.String(),
			e.Timestamp,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: append ledger: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
