package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/ledger"
	"github.com/atmx/prediction-ledger/internal/lock"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/store"
)

var now = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	ledger *ledger.Ledger
	store  *store.MemoryStore
	locker *lock.MemoryLocker
	clock  *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore(), locker: lock.NewMemoryLocker(time.Second)}
	clock := now
	e.clock = &clock
	e.ledger = ledger.New(e.store, e.locker, ledger.Config{
		Clock: func() time.Time { return *e.clock },
	})
	return e
}

func (e *env) seedMarket(t *testing.T, deadline time.Time) *model.Market {
	t.Helper()
	m := &model.Market{
		Text:      "Will it rain?",
		Label1:    "Yes",
		Label2:    "No",
		Price1:    d(5),
		Price2:    d(5),
		Deadline:  deadline,
		CreatedAt: now,
	}
	require.NoError(t, e.store.CreateMarket(context.Background(), m))
	return m
}

func TestBuy_ScenarioA(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.CreditAdmin(ctx, "alice", d(80))
	require.NoError(t, err)

	res, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(10))
	require.NoError(t, err)

	assert.True(t, res.Price.Equal(d(5)), "execution price is the pre-trade price")
	assert.True(t, res.Amount.Equal(d(50)))
	assert.True(t, res.Balance.Equal(d(50)), "balance = %s", res.Balance)
	assert.True(t, res.Holding.Equal(d(10)))
	assert.Equal(t, "5.52585459", res.Price1.String())
	assert.Equal(t, "4.52418709", res.Price2.String())

	stored, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Price1.Equal(res.Price1))
	assert.True(t, stored.Price2.Equal(res.Price2))

	acct, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Holdings.Quantity(m.ID, model.Option1).Equal(d(10)))
}

func TestBuy_NewAccountStartsAtTwenty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	res, err := e.ledger.Buy(ctx, "bob", m.ID, model.Option2, d(2))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(d(10)))
	assert.True(t, res.Price2.GreaterThan(d(5)))
	assert.True(t, res.Price1.LessThan(d(5)))
}

func TestRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))
	_, err := e.ledger.CreditAdmin(ctx, "alice", d(80))
	require.NoError(t, err)

	buy, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(10))
	require.NoError(t, err)
	sell, err := e.ledger.Sell(ctx, "alice", m.ID, model.Option1, d(10))
	require.NoError(t, err)

	// Sold at the moved price: the gap is one price step times quantity.
	step := buy.Price1.Sub(buy.Price).Mul(d(10))
	assert.True(t, sell.Balance.Sub(d(100)).Equal(step), "gain %s, step %s", sell.Balance.Sub(d(100)), step)
	assert.True(t, sell.Holding.IsZero())
	assert.InDelta(t, 5.0, sell.Price1.InexactFloat64(), 1e-6)
	assert.InDelta(t, 5.0, sell.Price2.InexactFloat64(), 1e-6)

	acct, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, acct.Holdings.Holds(m.ID), "fully sold position must be pruned")
	assert.Empty(t, acct.Holdings)
}

func TestSell_Partial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option2, d(3))
	require.NoError(t, err)
	res, err := e.ledger.Sell(ctx, "alice", m.ID, model.Option2, d(1))
	require.NoError(t, err)
	assert.True(t, res.Holding.Equal(d(2)))
}

func TestTrade_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	open := e.seedMarket(t, now.Add(time.Hour))
	past := e.seedMarket(t, now.Add(-time.Minute))
	closed := e.seedMarket(t, now.Add(time.Hour))
	require.NoError(t, e.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		w := model.Option1
		return tx.MarkResolved(ctx, closed.ID, &w, now)
	}))

	tests := []struct {
		name  string
		run   func() error
		want  error
		field string
	}{
		{"bad option", func() error {
			_, err := e.ledger.Buy(ctx, "a", open.ID, model.Option(3), d(1))
			return err
		}, model.ErrInvalidOption, "option"},
		{"zero quantity", func() error {
			_, err := e.ledger.Buy(ctx, "a", open.ID, model.Option1, decimal.Zero)
			return err
		}, model.ErrInvalidAmount, "quantity"},
		{"negative sell", func() error {
			_, err := e.ledger.Sell(ctx, "a", open.ID, model.Option1, d(-1))
			return err
		}, model.ErrInvalidAmount, "quantity"},
		{"unknown market", func() error {
			_, err := e.ledger.Buy(ctx, "a", 999, model.Option1, d(1))
			return err
		}, model.ErrMarketNotFound, "market_id"},
		{"resolved market", func() error {
			_, err := e.ledger.Buy(ctx, "a", closed.ID, model.Option1, d(1))
			return err
		}, model.ErrMarketResolved, "market_id"},
		{"sell on resolved market", func() error {
			_, err := e.ledger.Sell(ctx, "a", closed.ID, model.Option1, d(1))
			return err
		}, model.ErrMarketResolved, "market_id"},
		{"past deadline", func() error {
			_, err := e.ledger.Buy(ctx, "a", past.ID, model.Option1, d(1))
			return err
		}, model.ErrMarketExpired, "market_id"},
		{"insufficient funds", func() error {
			_, err := e.ledger.Buy(ctx, "a", open.ID, model.Option1, d(5))
			return err
		}, model.ErrInsufficientFunds, "quantity"},
		{"insufficient shares", func() error {
			_, err := e.ledger.Sell(ctx, "a", open.ID, model.Option1, d(1))
			return err
		}, model.ErrInsufficientShares, "quantity"},
		{"credit zero", func() error {
			_, err := e.ledger.CreditAdmin(ctx, "a", decimal.Zero)
			return err
		}, model.ErrInvalidAmount, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var rej *model.RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.field, rej.Field)
			assert.NotEmpty(t, rej.Constraint)
		})
	}

	// Nothing above may have left state behind.
	_, err := e.store.GetAccount(ctx, "a")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
	m, err := e.store.GetMarket(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, m.Price1.Equal(d(5)))
}

func TestBuy_OverflowIsInvalidAmount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))
	// A tiny price makes the cost affordable while the exponent overflows.
	require.NoError(t, e.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.ApplyPriceUpdate(ctx, m.ID, d(0.00000001), d(5))
	}))

	_, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(1e6))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestTrade_TinyQuantityIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(1))
	require.NoError(t, err)

	tests := []struct {
		name       string
		trade      func(context.Context, string, int64, model.Option, decimal.Decimal) (*ledger.TradeResult, error)
		qty        string
		constraint string
	}{
		{"buy below price scale", e.ledger.Buy, "0.0000000001", "at most 8 decimal places"},
		{"sell below price scale", e.ledger.Sell, "0.000000001", "at most 8 decimal places"},
		{"buy that cannot move the price", e.ledger.Buy, "0.00000001", "too small to move the price"},
		{"sell that cannot move the price", e.ledger.Sell, "0.00000001", "too small to move the price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.trade(ctx, "a", m.ID, model.Option1, decimal.RequireFromString(tt.qty))
			require.ErrorIs(t, err, model.ErrInvalidAmount)
			var rej *model.RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, "quantity", rej.Field)
			assert.Equal(t, tt.constraint, rej.Constraint)
		})
	}

	before, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	acct, err := e.store.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.True(t, acct.Holdings.Quantity(m.ID, model.Option1).Equal(d(1)), "rejected trades leave holdings alone")
	assert.True(t, acct.Balance.Equal(d(15)))

	entries, err := e.store.GetLedgerEntriesByAccount(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Trailing zeros beyond the scale are fine.
	res, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, decimal.RequireFromString("1.000000000000"))
	require.NoError(t, err)
	assert.True(t, res.Price1.GreaterThan(before.Price1))
}

func TestSell_AllowedAfterDeadlineUntilClosed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Minute))

	_, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(2))
	require.NoError(t, err)

	*e.clock = now.Add(2 * time.Minute)
	_, err = e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(1))
	assert.ErrorIs(t, err, model.ErrMarketExpired)

	_, err = e.ledger.Sell(ctx, "a", m.ID, model.Option1, d(1))
	assert.NoError(t, err)
}

func TestCreditAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	acct, err := e.ledger.CreditAdmin(ctx, "carol", d(5.5))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(25.5)))

	history, err := e.ledger.AccountHistory(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.EntryCredit, history[0].Kind)
	assert.True(t, history[0].BalanceAfter.Equal(d(25.5)))
}

func TestJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(2))
	require.NoError(t, err)
	_, err = e.ledger.Sell(ctx, "a", m.ID, model.Option1, d(1))
	require.NoError(t, err)

	entries, err := e.store.GetLedgerEntriesByMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryBuy, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(d(-10)))
	assert.True(t, entries[0].Quantity.Equal(d(2)))
	assert.Equal(t, model.EntrySell, entries[1].Kind)
	assert.True(t, entries[1].Quantity.Equal(d(-1)))
	assert.True(t, entries[1].Amount.IsPositive())
}

func TestQueries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	st, err := e.ledger.BalanceOf(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, st.Known)
	assert.True(t, st.Account.Balance.Equal(d(20)))
	assert.Equal(t, "Newcomer", st.Tier)

	p, err := e.ledger.RankOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "Newcomer", p.Tier.Name)
	require.NotNil(t, p.Next)
	assert.Equal(t, 2, p.Remaining)

	_, err = e.ledger.CreditAdmin(ctx, "rich", d(100))
	require.NoError(t, err)
	_, err = e.ledger.CreditAdmin(ctx, "poor", d(1))
	require.NoError(t, err)

	board, err := e.ledger.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "rich", board[0].AccountID)
	assert.Equal(t, 1, board[0].Position)
	assert.Equal(t, "poor", board[1].AccountID)
}

func TestConcurrentBuys(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ledger.Buy(ctx, fmt.Sprintf("user-%02d", i), m.ID, model.Option1, d(1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every buy is the same size, so any serial order yields the same path.
	engine := pricing.Default()
	p1, p2 := d(5), d(5)
	spent := decimal.Zero
	for i := 0; i < n; i++ {
		spent = spent.Add(p1)
		var err error
		p1, p2, err = engine.Quote(p1, p2, model.Option1, d(1))
		require.NoError(t, err)
	}

	got, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Price1.Equal(p1), "price1 %s, want %s", got.Price1, p1)
	assert.True(t, got.Price2.Equal(p2), "price2 %s, want %s", got.Price2, p2)

	accounts, err := e.store.ListAccounts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, accounts, n)
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
		assert.True(t, a.Holdings.Quantity(m.ID, model.Option1).Equal(d(1)))
	}
	assert.True(t, total.Equal(d(20*n).Sub(spent)), "total %s", total)
}

func TestConcurrentTradesSameAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))
	_, err := e.ledger.CreditAdmin(ctx, "a", d(80))
	require.NoError(t, err)

	// Ten buys of 3 at >= 5 each cannot all fit in a balance of 100.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ledger.Buy(ctx, "a", m.ID, model.Option1, d(3)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, model.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	acct, err := e.store.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.False(t, acct.Balance.IsNegative())
	assert.True(t, acct.Holdings.Quantity(m.ID, model.Option1).Equal(d(float64(3*ok))))
}

func TestLockTimeoutIsUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	locker := lock.NewMemoryLocker(20 * time.Millisecond)
	l := ledger.New(st, locker, ledger.Config{Clock: func() time.Time { return now }})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, lock.MarketKey(1))
	require.NoError(t, err)
	defer release()

	_, err = l.Buy(ctx, "a", 1, model.Option1, d(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.ErrorIs(t, err, lock.ErrTimeout)
	assert.False(t, model.IsRejection(err))
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) Update(context.Context, func(context.Context, store.Tx) error) error {
	return errors.New("connection refused")
}

func (brokenStore) GetAccount(context.Context, string) (*model.Account, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	l := ledger.New(brokenStore{store.NewMemoryStore()}, lock.NewMemoryLocker(time.Second), ledger.Config{})
	ctx := context.Background()

	_, err := l.Buy(ctx, "a", 1, model.Option1, d(1))
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.Equal(t, "unavailable", model.Code(err))

	_, err = l.CreditAdmin(ctx, "a", d(1))
	assert.ErrorIs(t, err, model.ErrUnavailable)

	_, err = l.BalanceOf(ctx, "a")
	assert.ErrorIs(t, err, model.ErrUnavailable)
}
