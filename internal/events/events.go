// Package events carries outbound notifications from the ledger core to the
// front end: market expiry and resolution, rank transitions and price moves.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// Kind identifies an event type.
type Kind string

const (
	KindMarketExpired  Kind = "market_expired"
	KindMarketResolved Kind = "market_resolved"
	KindRankChanged    Kind = "rank_changed"
	KindPriceUpdated   Kind = "price_updated"
)

// Event is the envelope every sink receives. Data holds one of the payload
// types below, matching Kind.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// MarketExpired is emitted once per market the sweeper closes without a
// winner. Outstanding holdings in it are void.
type MarketExpired struct {
	MarketID  int64  `json:"market_id"`
	Text      string `json:"text"`
	ChannelID string `json:"channel_id,omitempty"`
}

// MarketResolved is emitted after a resolution commits.
type MarketResolved struct {
	MarketID      int64           `json:"market_id"`
	Text          string          `json:"text"`
	ChannelID     string          `json:"channel_id,omitempty"`
	WinningOption model.Option    `json:"winning_option"`
	WinningLabel  string          `json:"winning_label"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	Payouts       []model.Payout  `json:"payouts"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
}

// RankChanged tells the role sink that an account crossed a tier boundary.
// The sink grants NewTier and revokes OldTier.
type RankChanged struct {
	AccountID string `json:"account_id"`
	OldTier   string `json:"old_tier"`
	NewTier   string `json:"new_tier"`
}

// PriceUpdated is emitted after every committed trade.
type PriceUpdated struct {
	MarketID  int64           `json:"market_id"`
	Price1    decimal.Decimal `json:"price_1"`
	Price2    decimal.Decimal `json:"price_2"`
	AccountID string          `json:"account_id"`
	Trade     model.EntryKind `json:"trade"`
	Option    model.Option    `json:"option"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// NewMarketExpired builds the expiry notice for m.
func NewMarketExpired(m *model.Market, at time.Time) Event {
	return Event{Kind: KindMarketExpired, At: at, Data: MarketExpired{
		MarketID: m.ID, Text: m.Text, ChannelID: m.ChannelID,
	}}
}

// NewMarketResolved builds the resolution notice for a settled market.
func NewMarketResolved(m *model.Market, s *model.SettlementSummary) Event {
	return Event{Kind: KindMarketResolved, At: s.ResolvedAt, Data: MarketResolved{
		MarketID:      m.ID,
		Text:          m.Text,
		ChannelID:     m.ChannelID,
		WinningOption: s.WinningOption,
		WinningLabel:  m.Label(s.WinningOption),
		FinalPrice:    s.FinalPrice,
		Payouts:       s.Payouts,
		TotalPaid:     s.TotalPaid,
	}}
}

// NewRankChanged builds a tier transition notice.
func NewRankChanged(accountID, oldTier, newTier string, at time.Time) Event {
	return Event{Kind: KindRankChanged, At: at, Data: RankChanged{
		AccountID: accountID, OldTier: oldTier, NewTier: newTier,
	}}
}

// NewPriceUpdated builds a price move notice for a committed trade.
func NewPriceUpdated(m *model.Market, e model.LedgerEntry) Event {
	return Event{Kind: KindPriceUpdated, At: e.Timestamp, Data: PriceUpdated{
		MarketID:  m.ID,
		Price1:    m.Price1,
		Price2:    m.Price2,
		AccountID: e.AccountID,
		Trade:     e.Kind,
		Option:    e.Option,
		Quantity:  e.Quantity.Abs(),
	}}
}

// Publisher accepts events after the state change they describe has
// committed. Publish never blocks on delivery.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, ...Event) {}
