package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// market and account snapshots. Transactions always run against the primary;
// keys touched by a committed transaction are invalidated after the commit,
// and reads check Redis first then fall back to the primary. Redis errors
// never fail a call: reads fall through and writes are logged.
//
// Each cached key has a generation counter bumped on invalidation. A reader
// only fills the cache if the generation it saw before reading the primary
// is still current, so a slow reader cannot put back a pre-commit snapshot.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	fill    *redis.Script
	logger  *slog.Logger
}

// fillLua sets KEYS[1] only while KEYS[2] (the generation) still equals
// ARGV[2]; an absent generation reads as "0".
const fillLua = `
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`

// genTTL bounds how long an idle generation counter lives.
const genTTL = 24 * time.Hour

// NewCachedStore creates a cached wrapper around a primary store. logger may
// be nil.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		fill:    redis.NewScript(fillLua),
		logger:  logger.With("component", "store.cache"),
	}
}

// --- Writes (primary first, then invalidate) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched *trackingTx
	err := s.primary.Update(ctx, func(ctx context.Context, tx Tx) error {
		touched = &trackingTx{Tx: tx, markets: map[int64]bool{}, accounts: map[string]bool{}}
		return fn(ctx, touched)
	})
	if err != nil || touched == nil {
		return err
	}

	keys := make([]string, 0, len(touched.markets)+len(touched.accounts))
	for id := range touched.markets {
		keys = append(keys, marketKey(id))
	}
	for id := range touched.accounts {
		keys = append(keys, accountKey(id))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	key := marketKey(id)
	var m model.Market
	if s.lookup(ctx, key, &m) {
		return &m, nil
	}

	gen := s.generation(ctx, key)
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, got)
	return got, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	key := accountKey(id)
	var a model.Account
	if s.lookup(ctx, key, &a) {
		if a.Holdings == nil {
			a.Holdings = model.Holdings{}
		}
		return &a, nil
	}

	gen := s.generation(ctx, key)
	got, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListAccounts(ctx context.Context, limit int) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx, limit)
}

func (s *CachedStore) ListHolders(ctx context.Context, marketID int64) ([]string, error) {
	return s.primary.ListHolders(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, accountID)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation returns the key's current generation, or "" when Redis is
// unreachable (which disables the fill).
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0"
	case err != nil:
		return ""
	}
	return gen
}

func (s *CachedStore) cache(ctx context.Context, key, gen string, v any) {
	if gen == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.fill.Run(ctx, s.rdb, []string{key, genKey(key)}, data, gen, s.ttl.Milliseconds()).Err()
	if err != nil {
		s.logger.Warn("cache fill failed", "key", key, "err", err)
	}
}

// invalidate drops keys and bumps their generations. A failure leaves a
// stale entry for at most the TTL and is logged.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
			pipe.Expire(ctx, genKey(k), genTTL)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("cache invalidation failed", "keys", keys, "err", err)
	}
}

func marketKey(id int64) string   { return fmt.Sprintf("pledger:market:%d", id) }
func accountKey(id string) string { return fmt.Sprintf("pledger:account:%s", id) }
func genKey(key string) string    { return key + ":gen" }

// trackingTx records which rows a transaction wrote.
type trackingTx struct {
	Tx
	markets  map[int64]bool
	accounts map[string]bool
}

func (t *trackingTx) ApplyPriceUpdate(ctx context.Context, id int64, price1, price2 decimal.Decimal) error {
	t.markets[id] = true
	return t.Tx.ApplyPriceUpdate(ctx, id, price1, price2)
}

func (t *trackingTx) MarkResolved(ctx context.Context, id int64, winner *model.Option, at time.Time) error {
	t.markets[id] = true
	return t.Tx.MarkResolved(ctx, id, winner, at)
}

func (t *trackingTx) PutAccount(ctx context.Context, a *model.Account) error {
	t.accounts[a.ID] = true
	return t.Tx.PutAccount(ctx, a)
}

var _ Store = (*CachedStore)(nil)
