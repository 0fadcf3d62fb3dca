// Package api exposes the ledger core over HTTP: market creation and
// snapshots, trades, resolution, account queries, the leaderboard and a
// WebSocket event stream.
//
// All monetary values use shopspring/decimal. Authority checks for create,
// resolve and credit belong to the front end; the service trusts its caller.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/ledger"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
)

// Service holds the HTTP handlers.
type Service struct {
	markets *market.Service
	ledger  *ledger.Ledger
	settle  *settlement.Engine
	limiter *AccountLimiter
}

// NewService creates the handler set. limiter may be nil.
func NewService(markets *market.Service, l *ledger.Ledger, settle *settlement.Engine, limiter *AccountLimiter) *Service {
	return &Service{markets: markets, ledger: l, settle: settle, limiter: limiter}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for buy and sell.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	Option    model.Option    `json:"option"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	WinningOption model.Option `json:"winning_option"`
}

// CreditRequest is the JSON body for POST /accounts/{id}/credit.
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AccountResponse is the balanceOf view.
type AccountResponse struct {
	AccountID          string            `json:"account_id"`
	Balance            decimal.Decimal   `json:"balance"`
	Holdings           []HoldingResponse `json:"holdings"`
	CorrectPredictions int               `json:"correct_predictions"`
	Tier               string            `json:"tier"`
}

// HoldingResponse is one (market, option) position.
type HoldingResponse struct {
	MarketID int64           `json:"market_id"`
	Option   model.Option    `json:"option"`
	Quantity decimal.Decimal `json:"quantity"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var def market.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeBadRequest(w, "body", "must be valid JSON")
		return
	}
	m, err := s.markets.Create(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets?status=open|overdue|resolved|all
// Without a status only open markets are listed.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := store.MarketStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status == "" {
		status = store.StatusOpen
	}
	markets, err := s.markets.List(r.Context(), store.MarketFilter{Status: status})
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	m, err := s.markets.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	entries, err := s.markets.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Buy handles POST /api/v1/markets/{marketID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.ledger.Buy)
}

// Sell handles POST /api/v1/markets/{marketID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.ledger.Sell)
}

type tradeFunc func(ctx context.Context, accountID string, marketID int64, option model.Option, quantity decimal.Decimal) (*ledger.TradeResult, error)

func (s *Service) trade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body", "must be valid JSON")
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		writeBadRequest(w, "account_id", "is required")
		return
	}
	if !s.limiter.Allow(req.AccountID) {
		writeRateLimited(w, req.AccountID)
		return
	}

	res, err := exec(r.Context(), req.AccountID, id, req.Option, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body", "must be valid JSON")
		return
	}
	summary, err := s.settle.Resolve(r.Context(), id, req.WinningOption)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Accounts ---

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.BalanceOf(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	a := st.Account
	resp := AccountResponse{
		AccountID:          a.ID,
		Balance:            a.Balance,
		Holdings:           []HoldingResponse{},
		CorrectPredictions: a.CorrectPredictions,
		Tier:               st.Tier,
	}
	for mid, pos := range a.Holdings {
		for opt, qty := range pos {
			resp.Holdings = append(resp.Holdings, HoldingResponse{MarketID: mid, Option: opt, Quantity: qty})
		}
	}
	sort.Slice(resp.Holdings, func(i, j int) bool {
		hi, hj := resp.Holdings[i], resp.Holdings[j]
		if hi.MarketID != hj.MarketID {
			return hi.MarketID < hj.MarketID
		}
		return hi.Option < hj.Option
	})
	writeJSON(w, http.StatusOK, resp)
}

// GetRank handles GET /api/v1/accounts/{accountID}/rank
func (s *Service) GetRank(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.RankOf(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetAccountHistory handles GET /api/v1/accounts/{accountID}/history
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.AccountHistory(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Credit handles POST /api/v1/accounts/{accountID}/credit
func (s *Service) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "body", "must be valid JSON")
		return
	}
	a, err := s.ledger.CreditAdmin(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit", "must be a non-negative integer")
			return
		}
		limit = n
	}
	board, err := s.ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func marketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "marketID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, model.Reject(model.ErrMarketNotFound, "market_id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}
