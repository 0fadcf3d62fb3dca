// Package model defines the core domain types shared across the ledger.
// All monetary values and share quantities use shopspring/decimal.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Option identifies one of the two mutually exclusive outcomes of a market.
type Option int

const (
	Option1 Option = 1
	Option2 Option = 2
)

// Valid reports whether o is 1 or 2.
func (o Option) Valid() bool {
	return o == Option1 || o == Option2
}

// Other returns the complementary option.
func (o Option) Other() Option {
	if o == Option1 {
		return Option2
	}
	return Option1
}

func (o Option) String() string {
	return fmt.Sprintf("%d", int(o))
}

// Market is a single two-option question. Once Resolved is true the record
// is immutable; WinningOption stays nil when the market expired without a
// ruling.
type Market struct {
	ID            int64           `json:"id"`
	Text          string          `json:"text"`
	Label1        string          `json:"label_1"`
	Label2        string          `json:"label_2"`
	Price1        decimal.Decimal `json:"price_1"`
	Price2        decimal.Decimal `json:"price_2"`
	Deadline      time.Time       `json:"deadline"`
	Resolved      bool            `json:"resolved"`
	WinningOption *Option         `json:"winning_option,omitempty"`
	AutoGenerated bool            `json:"auto_generated"`
	ChannelID     string          `json:"channel_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Price returns the current price of option o.
func (m *Market) Price(o Option) decimal.Decimal {
	if o == Option2 {
		return m.Price2
	}
	return m.Price1
}

// Label returns the display label of option o.
func (m *Market) Label(o Option) string {
	if o == Option2 {
		return m.Label2
	}
	return m.Label1
}

// OpenAt reports whether the market accepts new purchases at now.
func (m *Market) OpenAt(now time.Time) bool {
	return !m.Resolved && m.Deadline.After(now)
}

// Account is a participant's balance, holdings and lifetime record.
type Account struct {
	ID                 string          `json:"id"`
	Balance            decimal.Decimal `json:"balance"`
	Holdings           Holdings        `json:"holdings"`
	CorrectPredictions int             `json:"correct_predictions"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewAccount returns an unsaved account holding the starting balance.
func NewAccount(id string, startingBalance decimal.Decimal, now time.Time) *Account {
	return &Account{
		ID:        id,
		Balance:   startingBalance,
		Holdings:  Holdings{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	c.Holdings = a.Holdings.Clone()
	return &c
}

// EntryKind classifies a journal entry.
type EntryKind string

const (
	EntryBuy    EntryKind = "buy"
	EntrySell   EntryKind = "sell"
	EntryCredit EntryKind = "credit"
	EntryPayout EntryKind = "payout"
	EntryVoid   EntryKind = "void"
)

// LedgerEntry is an immutable record of a balance or holdings change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	MarketID     int64           `json:"market_id,omitempty"`
	Option       Option          `json:"option,omitempty"`
	Kind         EntryKind       `json:"kind"`
	Quantity     decimal.Decimal `json:"quantity"` // signed: +acquired, -released
	Price        decimal.Decimal `json:"price"`    // execution price per share
	Amount       decimal.Decimal `json:"amount"`   // signed balance change
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Payout is one account's settlement result for a resolved market.
type Payout struct {
	AccountID string          `json:"account_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	OldTier   string          `json:"old_tier"`
	NewTier   string          `json:"new_tier"`
}

// TierChanged reports whether the payout moved the account to a new tier.
func (p Payout) TierChanged() bool {
	return p.OldTier != p.NewTier
}

// SettlementSummary describes a completed resolution.
type SettlementSummary struct {
	MarketID      int64           `json:"market_id"`
	Text          string          `json:"text"`
	WinningOption Option          `json:"winning_option"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	Payouts       []Payout        `json:"payouts"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	Voided        []string        `json:"voided"` // accounts whose losing holdings were discarded
	ResolvedAt    time.Time       `json:"resolved_at"`
}
