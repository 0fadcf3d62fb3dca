// Package settlement closes markets. Resolve pays holders of the winning
// option at its final price and advances their correct-prediction count.
// ExpireUnresolved voids overdue markets nobody ruled on. Both run in one
// store transaction per market while the market and every holder are
// locked, so a market is either fully settled or untouched.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// Config holds the engine's collaborators. Zero fields take defaults.
type Config struct {
	Ranks  *rank.Table
	Events events.Publisher
	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine resolves and expires markets.
type Engine struct {
	store  store.Store
	locker lock.Locker
	ranks  *rank.Table
	events events.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// New creates a settlement engine.
func New(st store.Store, locker lock.Locker, cfg Config) *Engine {
	e := &Engine{
		store:  st,
		locker: locker,
		ranks:  cfg.Ranks,
		events: cfg.Events,
		now:    cfg.Clock,
		logger: cfg.Logger,
	}
	if e.ranks == nil {
		e.ranks = rank.Default()
	}
	if e.events == nil {
		e.events = events.Discard
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "settlement")
	return e
}

// Resolve declares winner for the market and pays its holders.
func (e *Engine) Resolve(ctx context.Context, marketID int64, winner model.Option) (*model.SettlementSummary, error) {
	const op = "settlement.resolve"
	if !winner.Valid() {
		return nil, e.reject(ctx, op, model.Reject(model.ErrInvalidOption, "winning_option", "must be 1 or 2"))
	}

	release, err := e.lockMarket(ctx, op, marketID)
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}
	defer release()

	var (
		summary *model.SettlementSummary
		market  *model.Market
	)
	err = e.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		now := e.now().UTC()
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.Resolved {
			return model.Reject(model.ErrAlreadyResolved, "market_id", fmt.Sprintf("market %d is already closed", marketID))
		}

		holders, err := tx.ListHolders(ctx, marketID)
		if err != nil {
			return err
		}

		finalPrice := m.Price(winner)
		s := &model.SettlementSummary{
			MarketID:      marketID,
			Text:          m.Text,
			WinningOption: winner,
			FinalPrice:    finalPrice,
			Payouts:       []model.Payout{},
			TotalPaid:     decimal.Zero,
			Voided:        []string{},
			ResolvedAt:    now,
		}

		var journal []model.LedgerEntry
		for _, acct := range holders {
			pos := acct.Holdings.Drop(marketID)

			if qty := pos[winner]; qty.IsPositive() {
				amount := qty.Mul(finalPrice).Round(pricing.PriceScale)
				before := acct.CorrectPredictions
				acct.Balance = acct.Balance.Add(amount)
				acct.CorrectPredictions++
				oldTier, newTier, _ := e.ranks.Transition(before, acct.CorrectPredictions)

				s.Payouts = append(s.Payouts, model.Payout{
					AccountID: acct.ID,
					Quantity:  qty,
					Amount:    amount,
					OldTier:   oldTier.Name,
					NewTier:   newTier.Name,
				})
				s.TotalPaid = s.TotalPaid.Add(amount)
				journal = append(journal, entry(acct, marketID, winner, model.EntryPayout, qty, finalPrice, amount, now))
			}
			if qty := pos[winner.Other()]; qty.IsPositive() {
				s.Voided = append(s.Voided, acct.ID)
				journal = append(journal, entry(acct, marketID, winner.Other(), model.EntryVoid, qty, decimal.Zero, decimal.Zero, now))
			}

			acct.UpdatedAt = now
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}

		if err := tx.MarkResolved(ctx, marketID, &winner, now); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, journal...); err != nil {
			return err
		}

		m.Resolved = true
		m.WinningOption = &winner
		m.ResolvedAt = &now
		market = m
		summary = s
		return nil
	})
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	metrics.SettlementsTotal.WithLabelValues("resolved").Inc()
	metrics.PayoutAmount.Add(summary.TotalPaid.InexactFloat64())
	e.logger.Info("market resolved",
		"market_id", marketID,
		"winning_option", winner,
		"final_price", summary.FinalPrice.String(),
		"winners", len(summary.Payouts),
		"voided", len(summary.Voided),
		"total_paid", summary.TotalPaid.String(),
	)

	evs := []events.Event{events.NewMarketResolved(market, summary)}
	for _, p := range summary.Payouts {
		if !p.TierChanged() {
			continue
		}
		metrics.RankTransitions.Inc()
		e.logger.Info("rank changed", "account_id", p.AccountID, "old_tier", p.OldTier, "new_tier", p.NewTier)
		evs = append(evs, events.NewRankChanged(p.AccountID, p.OldTier, p.NewTier, summary.ResolvedAt))
	}
	e.events.Publish(ctx, evs...)
	return summary, nil
}

// ExpireUnresolved closes every unresolved market whose deadline is before
// now, with no winner and no payout. Holdings in those markets are
// discarded. It returns the markets it closed; a market that fails is
// logged, skipped and reported in the joined error.
func (e *Engine) ExpireUnresolved(ctx context.Context, now time.Time) ([]model.Market, error) {
	const op = "settlement.expire"
	overdue, err := e.store.ListMarkets(ctx, store.MarketFilter{Status: store.StatusOverdue, Now: now})
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	var (
		expired []model.Market
		errs    []error
	)
	for _, candidate := range overdue {
		m, err := e.expire(ctx, candidate.ID, now)
		if err != nil {
			errs = append(errs, e.fail(ctx, op, err))
			continue
		}
		if m != nil {
			expired = append(expired, *m)
		}
	}
	return expired, errors.Join(errs...)
}

// expire closes one market. It returns nil when the market was resolved or
// moved out of range by a concurrent operation.
func (e *Engine) expire(ctx context.Context, marketID int64, now time.Time) (*model.Market, error) {
	release, err := e.lockMarket(ctx, "settlement.expire", marketID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.Market
	err = e.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.Resolved || !m.Deadline.Before(now) {
			return nil
		}

		holders, err := tx.ListHolders(ctx, marketID)
		if err != nil {
			return err
		}
		var journal []model.LedgerEntry
		for _, acct := range holders {
			for opt, qty := range acct.Holdings.Drop(marketID) {
				journal = append(journal, entry(acct, marketID, opt, model.EntryVoid, qty, decimal.Zero, decimal.Zero, now))
			}
			acct.UpdatedAt = now
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}

		if err := tx.MarkResolved(ctx, marketID, nil, now); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, journal...); err != nil {
			return err
		}

		m.Resolved = true
		m.ResolvedAt = &now
		out = m
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("expired").Inc()
	e.logger.Info("market expired", "market_id", marketID, "deadline", out.Deadline)
	return out, nil
}

// lockMarket locks the market, then every account holding a position in it.
// New holders cannot appear once the market key is held.
func (e *Engine) lockMarket(ctx context.Context, op string, marketID int64) (func(), error) {
	start := time.Now()
	defer func() { metrics.LockWait.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	releaseMarket, err := e.locker.Acquire(ctx, lock.Keys([]int64{marketID}, nil)...)
	if err != nil {
		return nil, err
	}
	holders, err := e.store.ListHolders(ctx, marketID)
	if err != nil {
		releaseMarket()
		return nil, err
	}
	releaseAccounts, err := e.locker.Acquire(ctx, lock.Keys(nil, holders)...)
	if err != nil {
		releaseMarket()
		return nil, err
	}
	return func() {
		releaseAccounts()
		releaseMarket()
	}, nil
}

func loadMarket(ctx context.Context, tx store.Tx, id int64) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if errors.Is(err, model.ErrMarketNotFound) {
		return nil, model.Reject(model.ErrMarketNotFound, "market_id", fmt.Sprintf("no market %d", id))
	}
	return m, err
}

func entry(acct *model.Account, marketID int64, opt model.Option, kind model.EntryKind, qty, price, amount decimal.Decimal, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    acct.ID,
		MarketID:     marketID,
		Option:       opt,
		Kind:         kind,
		Quantity:     qty.Neg(),
		Price:        price,
		Amount:       amount,
		BalanceAfter: acct.Balance,
		Timestamp:    at,
	}
}

func (e *Engine) reject(ctx context.Context, op string, err error) error {
	metrics.RejectionsTotal.WithLabelValues(op, model.Code(err)).Inc()
	e.logger.DebugContext(ctx, "rejected", "op", op, "err", err)
	return err
}

func (e *Engine) fail(ctx context.Context, op string, err error) error {
	if model.IsRejection(err) {
		return e.reject(ctx, op, err)
	}
	err = model.Unavailable(op, err)
	metrics.RejectionsTotal.WithLabelValues(op, model.Code(err)).Inc()
	e.logger.ErrorContext(ctx, "operation failed", "op", op, "err", err)
	return err
}
