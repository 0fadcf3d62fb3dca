// Package sweeper periodically closes markets whose deadline passed without
// a ruling and announces each one.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/prediction-ledger/internal/events"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

// DefaultInterval is the tick period.
const DefaultInterval = 60 * time.Second

// Expirer is the settlement operation the sweeper drives.
type Expirer interface {
	ExpireUnresolved(ctx context.Context, now time.Time) ([]model.Market, error)
}

// Counter reports how many markets accept trades, for the open-markets gauge.
type Counter interface {
	ListMarkets(ctx context.Context, f store.MarketFilter) ([]model.Market, error)
}

// Sweeper runs expiry on a fixed interval.
type Sweeper struct {
	expirer  Expirer
	markets  Counter
	events   events.Publisher
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a sweeper. markets may be nil to skip the gauge.
func New(expirer Expirer, markets Counter, pub events.Publisher, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		expirer:  expirer,
		markets:  markets,
		events:   pub,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
	}
}

// WithClock overrides time.Now and returns s.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled. The first sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one sweep and returns the markets it closed.
func (s *Sweeper) Tick(ctx context.Context) []model.Market {
	now := s.now().UTC()
	expired, err := s.expirer.ExpireUnresolved(ctx, now)
	if err != nil {
		// Markets that failed stay overdue and are retried next tick.
		s.logger.Error("sweep failed", "err", err, "expired", len(expired))
	}

	evs := make([]events.Event, 0, len(expired))
	for i := range expired {
		evs = append(evs, events.NewMarketExpired(&expired[i], now))
	}
	if len(evs) > 0 {
		s.events.Publish(ctx, evs...)
		s.logger.Info("markets expired", "count", len(evs))
	}

	if s.markets != nil {
		open, err := s.markets.ListMarkets(ctx, store.MarketFilter{Status: store.StatusOpen, Now: now})
		if err != nil {
			s.logger.Warn("count open markets", "err", err)
		} else {
			metrics.OpenMarkets.Set(float64(len(open)))
		}
	}
	return expired
}
