// Package lock provides keyed mutual exclusion for trades, settlement and
// expiry. Every operation locks the markets it touches, then the accounts,
// each group in sorted order, so two operations never wait on each other in
// opposite directions.
package lock

import (
	"context"
	"errors"
	"sort"
	"strconv"
)

// ErrTimeout is wrapped as model.ErrUnavailable when a key could not be
// acquired before the deadline.
var ErrTimeout = errors.New("lock: acquire timed out")

// Locker acquires a set of keys exclusively. Keys are acquired in the order
// given; callers build them with Keys. The returned release func is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// MarketKey is the lock key for a market.
func MarketKey(id int64) string {
	return "market:" + strconv.FormatInt(id, 10)
}

// AccountKey is the lock key for an account.
func AccountKey(id string) string {
	return "account:" + id
}

// Keys returns the canonical acquisition order: markets ascending, then
// accounts ascending, without duplicates.
func Keys(marketIDs []int64, accountIDs []string) []string {
	ms := append([]int64(nil), marketIDs...)
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	as := append([]string(nil), accountIDs...)
	sort.Strings(as)

	keys := make([]string, 0, len(ms)+len(as))
	for i, id := range ms {
		if i > 0 && ms[i-1] == id {
			continue
		}
		keys = append(keys, MarketKey(id))
	}
	for i, id := range as {
		if i > 0 && as[i-1] == id {
			continue
		}
		keys = append(keys, AccountKey(id))
	}
	return keys
}
