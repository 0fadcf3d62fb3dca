package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and stages changes,
// so a failed transaction leaves the maps untouched.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	markets  map[int64]*model.Market
	accounts map[string]*model.Account
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[int64]*model.Market),
		accounts: make(map[string]*model.Account),
	}
}

func cloneMarket(m *model.Market) *model.Market {
	c := *m
	return &c
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Match(m) {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, limit int) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a.Clone())
	}
	SortLeaderboard(accounts)
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

// SortLeaderboard orders accounts by correct predictions, then balance, both
// descending, with the id as a stable tiebreak.
func SortLeaderboard(accounts []model.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.CorrectPredictions != b.CorrectPredictions {
			return a.CorrectPredictions > b.CorrectPredictions
		}
		if c := a.Balance.Cmp(b.Balance); c != 0 {
			return c > 0
		}
		return a.ID < b.ID
	})
}

func (s *MemoryStore) ListHolders(_ context.Context, marketID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, a := range s.accounts {
		if a.Holdings.Holds(marketID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID int64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		markets:  make(map[int64]*model.Market),
		accounts: make(map[string]*model.Account),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	s.ledger = append(s.ledger, tx.ledger...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes until Update commits them. Callers only ever see
// copies.
type memTx struct {
	s        *MemoryStore
	markets  map[int64]*model.Market
	accounts map[string]*model.Account
	ledger   []model.LedgerEntry
}

func (t *memTx) market(id int64) (*model.Market, bool) {
	if m, ok := t.markets[id]; ok {
		return m, true
	}
	m, ok := t.s.markets[id]
	return m, ok
}

func (t *memTx) account(id string) (*model.Account, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	a, ok := t.s.accounts[id]
	return a, ok
}

func (t *memTx) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	m, ok := t.market(id)
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	return cloneMarket(m), nil
}

func (t *memTx) ApplyPriceUpdate(_ context.Context, id int64, price1, price2 decimal.Decimal) error {
	m, ok := t.market(id)
	if !ok {
		return model.ErrMarketNotFound
	}
	if m.Resolved {
		return model.ErrMarketResolved
	}
	next := cloneMarket(m)
	next.Price1, next.Price2 = price1, price2
	t.markets[id] = next
	return nil
}

func (t *memTx) MarkResolved(_ context.Context, id int64, winner *model.Option, at time.Time) error {
	m, ok := t.market(id)
	if !ok {
		return model.ErrMarketNotFound
	}
	if m.Resolved {
		return model.ErrAlreadyResolved
	}
	next := cloneMarket(m)
	next.Resolved = true
	if winner != nil {
		w := *winner
		next.WinningOption = &w
	}
	resolvedAt := at
	next.ResolvedAt = &resolvedAt
	t.markets[id] = next
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.account(id)
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (t *memTx) PutAccount(_ context.Context, a *model.Account) error {
	t.accounts[a.ID] = a.Clone()
	return nil
}

func (t *memTx) ListHolders(_ context.Context, marketID int64) ([]*model.Account, error) {
	seen := make(map[string]bool)
	var holders []*model.Account
	for id, a := range t.accounts {
		seen[id] = true
		if a.Holdings.Holds(marketID) {
			holders = append(holders, a.Clone())
		}
	}
	for id, a := range t.s.accounts {
		if !seen[id] && a.Holdings.Holds(marketID) {
			holders = append(holders, a.Clone())
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].ID < holders[j].ID })
	return holders, nil
}

func (t *memTx) AppendLedger(_ context.Context, entries ...model.LedgerEntry) error {
	t.ledger = append(t.ledger, entries...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
