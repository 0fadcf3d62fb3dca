package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/events"
	"github.com/atmx/prediction-ledger/internal/ledger"
	"github.com/atmx/prediction-ledger/internal/lock"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
)

var now = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type published struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *published) Publish(_ context.Context, evs ...events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
}

func (p *published) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

type env struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	engine *settlement.Engine
	pub    *published
	clock  *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	locker := lock.NewMemoryLocker(time.Second)
	clock := now
	e := &env{store: st, pub: &published{}, clock: &clock}
	tick := func() time.Time { return *e.clock }
	e.ledger = ledger.New(st, locker, ledger.Config{Clock: tick})
	e.engine = settlement.New(st, locker, settlement.Config{Clock: tick, Events: e.pub})
	return e
}

func (e *env) seedMarket(t *testing.T, deadline time.Time) *model.Market {
	t.Helper()
	m := &model.Market{Text: "Will it rain?", Label1: "Yes", Label2: "No", Price1: d(5), Price2: d(5), Deadline: deadline, CreatedAt: now}
	require.NoError(t, e.store.CreateMarket(context.Background(), m))
	return m
}

func TestResolve_ScenarioB(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.CreditAdmin(ctx, "alice", d(80))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(10))
	require.NoError(t, err)

	s, err := e.engine.Resolve(ctx, m.ID, model.Option1)
	require.NoError(t, err)
	assert.Equal(t, "5.52585459", s.FinalPrice.String())
	require.Len(t, s.Payouts, 1)
	assert.Equal(t, "alice", s.Payouts[0].AccountID)
	assert.Equal(t, "55.2585459", s.Payouts[0].Amount.String())
	assert.True(t, s.TotalPaid.Equal(s.Payouts[0].Amount))

	acct, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "105.2585459", acct.Balance.String())
	assert.Equal(t, 1, acct.CorrectPredictions)
	assert.False(t, acct.Holdings.Holds(m.ID))

	got, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.WinningOption)
	assert.Equal(t, model.Option1, *got.WinningOption)
	require.NotNil(t, got.ResolvedAt)

	assert.Equal(t, []events.Kind{events.KindMarketResolved}, e.pub.kinds())
}

func TestResolve_LosersAreVoided(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.Buy(ctx, "winner", m.ID, model.Option2, d(1))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "loser", m.ID, model.Option1, d(2))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "hedger", m.ID, model.Option1, d(1))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "hedger", m.ID, model.Option2, d(1))
	require.NoError(t, err)

	loserBefore, err := e.store.GetAccount(ctx, "loser")
	require.NoError(t, err)

	s, err := e.engine.Resolve(ctx, m.ID, model.Option2)
	require.NoError(t, err)
	require.Len(t, s.Payouts, 2)
	assert.Equal(t, "hedger", s.Payouts[0].AccountID)
	assert.Equal(t, "winner", s.Payouts[1].AccountID)
	assert.Equal(t, []string{"hedger", "loser"}, s.Voided)

	loser, err := e.store.GetAccount(ctx, "loser")
	require.NoError(t, err)
	assert.True(t, loser.Balance.Equal(loserBefore.Balance), "losers are not debited further")
	assert.Equal(t, 0, loser.CorrectPredictions)
	assert.Empty(t, loser.Holdings)

	hedger, err := e.store.GetAccount(ctx, "hedger")
	require.NoError(t, err)
	assert.Equal(t, 1, hedger.CorrectPredictions, "one increment per market regardless of share count")

	holders, err := e.store.ListHolders(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, holders)

	entries, err := e.store.GetLedgerEntriesByMarket(ctx, m.ID)
	require.NoError(t, err)
	var payouts, voids int
	for _, en := range entries {
		switch en.Kind {
		case model.EntryPayout:
			payouts++
		case model.EntryVoid:
			voids++
		}
	}
	assert.Equal(t, 2, payouts)
	assert.Equal(t, 2, voids)
}

func TestResolve_Twice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))
	_, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(1))
	require.NoError(t, err)

	_, err = e.engine.Resolve(ctx, m.ID, model.Option1)
	require.NoError(t, err)
	after, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)

	_, err = e.engine.Resolve(ctx, m.ID, model.Option2)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	again, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, after, again)
	got, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Option1, *got.WinningOption)
}

func TestResolve_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.engine.Resolve(ctx, m.ID, model.Option(0))
	assert.ErrorIs(t, err, model.ErrInvalidOption)

	_, err = e.engine.Resolve(ctx, 404, model.Option1)
	assert.ErrorIs(t, err, model.ErrMarketNotFound)

	got, err := e.store.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
}

func TestResolve_RankChanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))

	require.NoError(t, e.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		a := model.NewAccount("veteran", d(20), now)
		a.CorrectPredictions = 1
		return tx.PutAccount(ctx, a)
	}))
	_, err := e.ledger.Buy(ctx, "veteran", m.ID, model.Option1, d(1))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "rookie", m.ID, model.Option1, d(1))
	require.NoError(t, err)

	s, err := e.engine.Resolve(ctx, m.ID, model.Option1)
	require.NoError(t, err)
	require.Len(t, s.Payouts, 2)

	assert.Equal(t, []events.Kind{events.KindMarketResolved, events.KindRankChanged}, e.pub.kinds())
	rc := e.pub.events[1].Data.(events.RankChanged)
	assert.Equal(t, "veteran", rc.AccountID)
	assert.Equal(t, "Newcomer", rc.OldTier)
	assert.Equal(t, "Apprentice", rc.NewTier)
}

func TestExpireUnresolved_ScenarioC(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	overdue := e.seedMarket(t, now.Add(time.Minute))
	live := e.seedMarket(t, now.Add(time.Hour))

	_, err := e.ledger.Buy(ctx, "alice", overdue.ID, model.Option1, d(2))
	require.NoError(t, err)
	_, err = e.ledger.Buy(ctx, "alice", live.ID, model.Option2, d(1))
	require.NoError(t, err)
	before, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)

	expired, err := e.engine.ExpireUnresolved(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
	assert.True(t, expired[0].Resolved)
	assert.Nil(t, expired[0].WinningOption)

	got, err := e.store.GetMarket(ctx, overdue.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Nil(t, got.WinningOption)

	acct, err := e.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(before.Balance), "no payout on expiry")
	assert.Equal(t, 0, acct.CorrectPredictions)
	assert.False(t, acct.Holdings.Holds(overdue.ID))
	assert.True(t, acct.Holdings.Holds(live.ID))

	// A second sweep finds nothing, and a late ruling is refused.
	expired, err = e.engine.ExpireUnresolved(ctx, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
	_, err = e.engine.Resolve(ctx, overdue.ID, model.Option1)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	// Expiry events are the sweeper's job.
	assert.Empty(t, e.pub.kinds())
}

func TestExpireUnresolved_DeadlineEqualToNowStaysOpen(t *testing.T) {
	e := newEnv(t)
	m := e.seedMarket(t, now.Add(time.Minute))

	expired, err := e.engine.ExpireUnresolved(context.Background(), m.Deadline)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestResolveAndExpireRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		ctx := context.Background()
		m := e.seedMarket(t, now.Add(time.Minute))
		_, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(1))
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			resolveErr error
			expired    []model.Market
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, resolveErr = e.engine.Resolve(ctx, m.ID, model.Option1)
		}()
		go func() {
			defer wg.Done()
			expired, _ = e.engine.ExpireUnresolved(ctx, now.Add(time.Hour))
		}()
		wg.Wait()

		acct, err := e.store.GetAccount(ctx, "alice")
		require.NoError(t, err)
		got, err := e.store.GetMarket(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, got.Resolved)

		if resolveErr == nil {
			assert.Empty(t, expired)
			assert.Equal(t, 1, acct.CorrectPredictions)
			require.NotNil(t, got.WinningOption)
		} else {
			assert.ErrorIs(t, resolveErr, model.ErrAlreadyResolved)
			assert.Len(t, expired, 1)
			assert.Equal(t, 0, acct.CorrectPredictions)
			assert.Nil(t, got.WinningOption)
		}
		assert.False(t, acct.Holdings.Holds(m.ID))
	}
}

func TestTradeAfterResolutionIsRefused(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.seedMarket(t, now.Add(time.Hour))
	_, err := e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(1))
	require.NoError(t, err)

	_, err = e.engine.Resolve(ctx, m.ID, model.Option2)
	require.NoError(t, err)

	_, err = e.ledger.Buy(ctx, "alice", m.ID, model.Option1, d(1))
	assert.ErrorIs(t, err, model.ErrMarketResolved)
	_, err = e.ledger.Sell(ctx, "alice", m.ID, model.Option1, d(1))
	assert.ErrorIs(t, err, model.ErrMarketResolved)
}

func TestTradesConcurrentWithResolve(t *testing.T) {
	const traders = 6
	for round := 0; round < 10; round++ {
		e := newEnv(t)
		ctx := context.Background()
		m := e.seedMarket(t, now.Add(time.Hour))

		sellers := make([]string, traders)
		for i := range sellers {
			sellers[i] = fmt.Sprintf("seller-%d", i)
			_, err := e.ledger.Buy(ctx, sellers[i], m.ID, model.Option1, d(1))
			require.NoError(t, err)
		}
		buyers := make([]string, traders)
		for i := range buyers {
			buyers[i] = fmt.Sprintf("buyer-%d", i)
		}

		var (
			wg         sync.WaitGroup
			start      = make(chan struct{})
			buyErrs    = make([]error, traders)
			sellErrs   = make([]error, traders)
			summary    *model.SettlementSummary
			resolveErr error
		)
		for i := 0; i < traders; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				<-start
				_, buyErrs[i] = e.ledger.Buy(ctx, buyers[i], m.ID, model.Option1, d(1))
			}(i)
			go func(i int) {
				defer wg.Done()
				<-start
				_, sellErrs[i] = e.ledger.Sell(ctx, sellers[i], m.ID, model.Option1, d(1))
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			summary, resolveErr = e.engine.Resolve(ctx, m.ID, model.Option1)
		}()
		close(start)
		wg.Wait()
		require.NoError(t, resolveErr)

		paid := make(map[string]decimal.Decimal)
		for _, p := range summary.Payouts {
			assert.True(t, p.Quantity.Equal(d(1)))
			assert.True(t, p.Amount.Equal(summary.FinalPrice))
			paid[p.AccountID] = p.Amount
		}

		stored, err := e.store.GetMarket(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, stored.Price1.Equal(summary.FinalPrice), "no trade moved the price after resolution")

		check := func(id string, tradeErr error, heldAtResolve bool) {
			if tradeErr != nil {
				assert.ErrorIs(t, tradeErr, model.ErrMarketResolved, id)
			}
			_, wasPaid := paid[id]
			assert.Equal(t, heldAtResolve, wasPaid, id)

			st, err := e.ledger.BalanceOf(ctx, id)
			require.NoError(t, err)
			assert.False(t, st.Account.Holdings.Holds(m.ID), id)

			entries, err := e.ledger.AccountHistory(ctx, id)
			require.NoError(t, err)
			sum := decimal.Zero
			for _, en := range entries {
				sum = sum.Add(en.Amount)
			}
			assert.True(t, st.Account.Balance.Equal(ledger.DefaultStartingBalance.Add(sum)),
				"%s: balance %s, journal sum %s", id, st.Account.Balance, sum)
		}
		for i := 0; i < traders; i++ {
			// A buy that committed happened before resolution and was paid.
			check(buyers[i], buyErrs[i], buyErrs[i] == nil)
			// A sell that committed released the share before resolution.
			check(sellers[i], sellErrs[i], sellErrs[i] != nil)
		}
	}
}
