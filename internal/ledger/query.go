package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/rank"
)

// Statement is the balanceOf view of an account.
type Statement struct {
	Account *model.Account `json:"account"`
	Tier    string         `json:"tier"`
	// Known is false for a participant who has never traded; the balance is
	// then the starting balance.
	Known bool `json:"known"`
}

// BalanceOf returns the account's balance, holdings and stats. Unseen
// participants report the starting balance and are not persisted.
func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (*Statement, error) {
	acct, known, err := l.account(ctx, accountID)
	if err != nil {
		return nil, l.fail(ctx, "ledger.balance", err)
	}
	return &Statement{
		Account: acct,
		Tier:    l.ranks.Of(acct.CorrectPredictions).Name,
		Known:   known,
	}, nil
}

// RankOf returns the account's tier and progress toward the next one.
func (l *Ledger) RankOf(ctx context.Context, accountID string) (rank.Progress, error) {
	acct, _, err := l.account(ctx, accountID)
	if err != nil {
		return rank.Progress{}, l.fail(ctx, "ledger.rank", err)
	}
	return l.ranks.ProgressOf(acct.CorrectPredictions), nil
}

// AccountHistory returns the account's journal, oldest first.
func (l *Ledger) AccountHistory(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.GetLedgerEntriesByAccount(ctx, accountID)
	if err != nil {
		return nil, l.fail(ctx, "ledger.history", err)
	}
	return entries, nil
}

// Standing is one leaderboard row.
type Standing struct {
	Position           int             `json:"position"`
	AccountID          string          `json:"account_id"`
	CorrectPredictions int             `json:"correct_predictions"`
	Balance            decimal.Decimal `json:"balance"`
	Tier               string          `json:"tier"`
}

// Leaderboard ranks accounts by correct predictions, then balance. limit <= 0
// returns every account.
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	accounts, err := l.store.ListAccounts(ctx, limit)
	if err != nil {
		return nil, l.fail(ctx, "ledger.leaderboard", err)
	}
	out := make([]Standing, len(accounts))
	for i, a := range accounts {
		out[i] = Standing{
			Position:           i + 1,
			AccountID:          a.ID,
			CorrectPredictions: a.CorrectPredictions,
			Balance:            a.Balance,
			Tier:               l.ranks.Of(a.CorrectPredictions).Name,
		}
	}
	return out, nil
}

// StartingBalance returns the balance credited to new participants.
func (l *Ledger) StartingBalance() decimal.Decimal {
	return l.startingBalance
}

func (l *Ledger) account(ctx context.Context, id string) (*model.Account, bool, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, model.ErrAccountNotFound) {
		return model.NewAccount(id, l.startingBalance, l.now().UTC()), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if acct.Holdings == nil {
		acct.Holdings = model.Holdings{}
	}
	return acct, true, nil
}
