package api

import (
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// AccountLimiter throttles trades per account. Limiters for the most recently
// active accounts are kept in a bounded LRU.
type AccountLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache
}

// NewAccountLimiter allows perSecond trades per account with the given
// burst. A non-positive rate disables limiting.
func NewAccountLimiter(perSecond float64, burst, size int) *AccountLimiter {
	if perSecond <= 0 {
		return nil
	}
	if size <= 0 {
		size = 10000
	}
	cache, _ := lru.New(size)
	return &AccountLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: cache}
}

// Allow reports whether accountID may trade now. A nil limiter allows all.
func (l *AccountLimiter) Allow(accountID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.limiters.Get(accountID); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(accountID, lim)
	return lim.Allow()
}

func writeRateLimited(w http.ResponseWriter, accountID string) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "too many trades, slow down",
		Code:       "rate_limited",
		Field:      "account_id",
		Constraint: "trade rate exceeded for " + accountID,
	})
}
