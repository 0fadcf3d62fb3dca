// Package ledger owns participant balances and holdings. Every trade reads
// the market's current prices, charges or credits the account at the
// pre-trade price of the traded option, and moves both prices through the
// pricing engine. All three changes commit in one store transaction while
// the market and the account are locked.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/events"
	"github.com/atmx/prediction-ledger/internal/lock"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/rank"
	"github.com/atmx/prediction-ledger/internal/store"
)

// DefaultStartingBalance is credited to a participant on first sight.
var DefaultStartingBalance = decimal.NewFromInt(20)

// Config holds the ledger's collaborators. Zero fields take defaults.
type Config struct {
	Engine          *pricing.Engine
	Ranks           *rank.Table
	Events          events.Publisher
	StartingBalance decimal.Decimal
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Ledger executes trades and admin credits and answers balance queries.
type Ledger struct {
	store           store.Store
	locker          lock.Locker
	engine          *pricing.Engine
	ranks           *rank.Table
	events          events.Publisher
	startingBalance decimal.Decimal
	now             func() time.Time
	logger          *slog.Logger
}

// New creates a ledger.
func New(st store.Store, locker lock.Locker, cfg Config) *Ledger {
	l := &Ledger{
		store:           st,
		locker:          locker,
		engine:          cfg.Engine,
		ranks:           cfg.Ranks,
		events:          cfg.Events,
		startingBalance: cfg.StartingBalance,
		now:             cfg.Clock,
		logger:          cfg.Logger,
	}
	if l.engine == nil {
		l.engine = pricing.Default()
	}
	if l.ranks == nil {
		l.ranks = rank.Default()
	}
	if l.events == nil {
		l.events = events.Discard
	}
	if !l.startingBalance.IsPositive() {
		l.startingBalance = DefaultStartingBalance
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// TradeResult is returned from a committed buy or sell.
type TradeResult struct {
	EntryID   string          `json:"entry_id"`
	AccountID string          `json:"account_id"`
	MarketID  int64           `json:"market_id"`
	Kind      model.EntryKind `json:"kind"`
	Option    model.Option    `json:"option"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`  // execution price per share
	Amount    decimal.Decimal `json:"amount"` // cost of a buy, proceeds of a sell
	Balance   decimal.Decimal `json:"balance"`
	Holding   decimal.Decimal `json:"holding"` // remaining position in Option
	Price1    decimal.Decimal `json:"price_1"`
	Price2    decimal.Decimal `json:"price_2"`
}

// Buy purchases quantity shares of option for accountID.
func (l *Ledger) Buy(ctx context.Context, accountID string, marketID int64, option model.Option, quantity decimal.Decimal) (*TradeResult, error) {
	return l.trade(ctx, model.EntryBuy, accountID, marketID, option, quantity)
}

// Sell releases quantity shares of option held by accountID. Selling is
// allowed after the deadline until the market is closed by resolution or
// expiry.
func (l *Ledger) Sell(ctx context.Context, accountID string, marketID int64, option model.Option, quantity decimal.Decimal) (*TradeResult, error) {
	return l.trade(ctx, model.EntrySell, accountID, marketID, option, quantity)
}

func (l *Ledger) trade(ctx context.Context, kind model.EntryKind, accountID string, marketID int64, option model.Option, quantity decimal.Decimal) (*TradeResult, error) {
	op := "ledger." + string(kind)
	if !option.Valid() {
		return nil, l.reject(ctx, op, model.Reject(model.ErrInvalidOption, "option", "must be 1 or 2"))
	}
	if !quantity.IsPositive() {
		return nil, l.reject(ctx, op, model.Reject(model.ErrInvalidAmount, "quantity", "must be positive"))
	}
	if !quantity.Equal(quantity.Truncate(pricing.PriceScale)) {
		return nil, l.reject(ctx, op, model.Reject(model.ErrInvalidAmount, "quantity",
			fmt.Sprintf("at most %d decimal places", pricing.PriceScale)))
	}

	start := time.Now()
	release, err := l.locker.Acquire(ctx, lock.Keys([]int64{marketID}, []string{accountID})...)
	metrics.LockWait.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, l.fail(ctx, op, err)
	}
	defer release()

	var (
		res    TradeResult
		market *model.Market
		entry  model.LedgerEntry
	)
	err = l.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		now := l.now().UTC()

		m, err := l.loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		// Resolution status is checked inside the same critical section that
		// applies the price update.
		if m.Resolved {
			return model.Reject(model.ErrMarketResolved, "market_id", "market is closed for trading")
		}
		if kind == model.EntryBuy && !m.Deadline.After(now) {
			return model.Reject(model.ErrMarketExpired, "market_id",
				"deadline passed at "+m.Deadline.Format(time.RFC3339))
		}

		acct, err := l.loadAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}

		price := l.engine.ExecutionPrice(m.Price1, m.Price2, option)
		amount := quantity.Mul(price).Round(pricing.PriceScale)
		if !amount.IsPositive() {
			return model.Reject(model.ErrInvalidAmount, "quantity", "too small to price")
		}
		signed := quantity

		switch kind {
		case model.EntryBuy:
			if acct.Balance.LessThan(amount) {
				return model.Reject(model.ErrInsufficientFunds, "quantity",
					fmt.Sprintf("costs %s, balance is %s", amount.StringFixed(2), acct.Balance.StringFixed(2)))
			}
			acct.Balance = acct.Balance.Sub(amount)
			acct.Holdings.Add(marketID, option, quantity)
		case model.EntrySell:
			held := acct.Holdings.Quantity(marketID, option)
			if quantity.GreaterThan(held) {
				return model.Reject(model.ErrInsufficientShares, "quantity",
					fmt.Sprintf("holding %s of option %d", held.String(), option))
			}
			signed = quantity.Neg()
			acct.Balance = acct.Balance.Add(amount)
			acct.Holdings.Add(marketID, option, signed)
		}

		p1, p2, err := l.engine.Quote(m.Price1, m.Price2, option, signed)
		switch {
		case errors.Is(err, pricing.ErrPriceOverflow):
			return model.Reject(model.ErrInvalidAmount, "quantity", "too large")
		case errors.Is(err, pricing.ErrQuantityTooSmall):
			return model.Reject(model.ErrInvalidAmount, "quantity", "too small to move the price")
		}
		if err != nil {
			return err
		}
		if err := tx.ApplyPriceUpdate(ctx, marketID, p1, p2); err != nil {
			return err
		}

		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}

		ledgerAmount := amount
		if kind == model.EntryBuy {
			ledgerAmount = amount.Neg()
		}
		entry = model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			MarketID:     marketID,
			Option:       option,
			Kind:         kind,
			Quantity:     signed,
			Price:        price,
			Amount:       ledgerAmount,
			BalanceAfter: acct.Balance,
			Timestamp:    now,
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}

		m.Price1, m.Price2 = p1, p2
		market = m
		res = TradeResult{
			EntryID:   entry.ID,
			AccountID: accountID,
			MarketID:  marketID,
			Kind:      kind,
			Option:    option,
			Quantity:  quantity,
			Price:     price,
			Amount:    amount,
			Balance:   acct.Balance,
			Holding:   acct.Holdings.Quantity(marketID, option),
			Price1:    p1,
			Price2:    p2,
		}
		return nil
	})
	if err != nil {
		return nil, l.fail(ctx, op, err)
	}

	metrics.TradesTotal.WithLabelValues(string(kind)).Inc()
	metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(strconv.FormatInt(marketID, 10), option.String()).Add(quantity.InexactFloat64())

	l.logger.Info("trade executed",
		"entry_id", res.EntryID,
		"kind", kind,
		"account_id", accountID,
		"market_id", marketID,
		"option", option,
		"qty", quantity.String(),
		"price", res.Price.String(),
		"amount", res.Amount.String(),
		"new_price_1", res.Price1.String(),
		"new_price_2", res.Price2.String(),
	)
	l.events.Publish(ctx, events.NewPriceUpdated(market, entry))
	return &res, nil
}

// CreditAdmin adds amount to the account's balance.
func (l *Ledger) CreditAdmin(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error) {
	const op = "ledger.credit"
	if !amount.IsPositive() {
		return nil, l.reject(ctx, op, model.Reject(model.ErrInvalidAmount, "amount", "must be positive"))
	}

	start := time.Now()
	release, err := l.locker.Acquire(ctx, lock.Keys(nil, []string{accountID})...)
	metrics.LockWait.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, l.fail(ctx, op, err)
	}
	defer release()

	var out *model.Account
	err = l.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		now := l.now().UTC()
		acct, err := l.loadAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		out = acct.Clone()
		return tx.AppendLedger(ctx, model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Kind:         model.EntryCredit,
			Quantity:     decimal.Zero,
			Price:        decimal.Zero,
			Amount:       amount,
			BalanceAfter: acct.Balance,
			Timestamp:    now,
		})
	})
	if err != nil {
		return nil, l.fail(ctx, op, err)
	}

	l.logger.Info("account credited",
		"account_id", accountID,
		"amount", amount.String(),
		"balance", out.Balance.String(),
	)
	return out, nil
}

func (l *Ledger) loadMarket(ctx context.Context, tx store.Tx, id int64) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if errors.Is(err, model.ErrMarketNotFound) {
		return nil, model.Reject(model.ErrMarketNotFound, "market_id", fmt.Sprintf("no market %d", id))
	}
	return m, err
}

// loadAccount returns the stored account, or a fresh one holding the
// starting balance for a participant never seen before.
func (l *Ledger) loadAccount(ctx context.Context, tx store.Tx, id string, now time.Time) (*model.Account, error) {
	acct, err := tx.GetAccount(ctx, id)
	if errors.Is(err, model.ErrAccountNotFound) {
		return model.NewAccount(id, l.startingBalance, now), nil
	}
	if err != nil {
		return nil, err
	}
	if acct.Holdings == nil {
		acct.Holdings = model.Holdings{}
	}
	return acct, nil
}

func (l *Ledger) reject(ctx context.Context, op string, err error) error {
	metrics.RejectionsTotal.WithLabelValues(op, model.Code(err)).Inc()
	l.logger.DebugContext(ctx, "rejected", "op", op, "err", err)
	return err
}

// fail classifies err: domain rejections pass through, everything else is
// surfaced as Unavailable.
func (l *Ledger) fail(ctx context.Context, op string, err error) error {
	if model.IsRejection(err) {
		return l.reject(ctx, op, err)
	}
	err = model.Unavailable(op, err)
	metrics.RejectionsTotal.WithLabelValues(op, model.Code(err)).Inc()
	l.logger.ErrorContext(ctx, "operation failed", "op", op, "err", err)
	return err
}
