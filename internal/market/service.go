package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

// DefaultInitialPrice is the starting price of both options.
var DefaultInitialPrice = decimal.NewFromInt(5)

// Service creates and reads markets. Price updates and resolution happen only
// inside ledger and settlement transactions.
type Service struct {
	store        store.Store
	initialPrice decimal.Decimal
	now          func() time.Time
	logger       *slog.Logger

	// Resolved markets are immutable, so their snapshots are cached.
	resolved *lru.Cache
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithInitialPrice overrides the starting price of both options.
func WithInitialPrice(p decimal.Decimal) ServiceOption {
	return func(s *Service) { s.initialPrice = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a market service.
func NewService(st store.Store, opts ...ServiceOption) *Service {
	cache, _ := lru.New(1024)
	s := &Service{
		store:        st,
		initialPrice: DefaultInitialPrice,
		now:          time.Now,
		logger:       slog.Default(),
		resolved:     cache,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "market")
	return s
}

// Create validates def and persists a market priced at the initial price on
// both sides.
func (s *Service) Create(ctx context.Context, def Definition) (*model.Market, error) {
	def.Normalize()
	now := s.now().UTC()
	deadline, err := def.Validate(now)
	if err != nil {
		return nil, err
	}

	m := &model.Market{
		Text:          def.Text,
		Label1:        def.Label1,
		Label2:        def.Label2,
		Price1:        s.initialPrice,
		Price2:        s.initialPrice,
		Deadline:      deadline,
		AutoGenerated: def.AutoGenerated,
		ChannelID:     def.ChannelID,
		CreatedAt:     now,
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, model.Unavailable("market.create", err)
	}

	s.logger.Info("market created",
		"market_id", m.ID,
		"deadline", m.Deadline,
		"auto_generated", m.AutoGenerated,
	)
	return m, nil
}

// Get returns the current snapshot of a market.
func (s *Service) Get(ctx context.Context, id int64) (*model.Market, error) {
	if v, ok := s.resolved.Get(id); ok {
		m := *v.(*model.Market)
		return &m, nil
	}

	m, err := s.store.GetMarket(ctx, id)
	if errors.Is(err, model.ErrMarketNotFound) {
		return nil, model.Reject(model.ErrMarketNotFound, "market_id", fmt.Sprintf("no market %d", id))
	}
	if err != nil {
		return nil, model.Unavailable("market.get", err)
	}
	if m.Resolved {
		c := *m
		s.resolved.Add(id, &c)
	}
	return m, nil
}

// ListOpen returns markets accepting trades at now.
func (s *Service) ListOpen(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.List(ctx, store.MarketFilter{Status: store.StatusOpen, Now: now})
}

// List returns markets matching f. A zero Now means the service clock.
func (s *Service) List(ctx context.Context, f store.MarketFilter) ([]model.Market, error) {
	if f.Status == "" {
		f.Status = store.StatusAll
	}
	if !f.Status.Valid() {
		return nil, model.Reject(model.ErrInvalidMarket, "status", "must be one of all, open, overdue, resolved")
	}
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	markets, err := s.store.ListMarkets(ctx, f)
	if err != nil {
		return nil, model.Unavailable("market.list", err)
	}
	return markets, nil
}

// History returns the journal for a market.
func (s *Service) History(ctx context.Context, id int64) ([]model.LedgerEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.GetLedgerEntriesByMarket(ctx, id)
	if err != nil {
		return nil, model.Unavailable("market.history", err)
	}
	return entries, nil
}
