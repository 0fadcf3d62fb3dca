package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-ledger/internal/model"
)

// unlockLua deletes a lock key only if it still holds the caller's token, so
// a holder whose TTL lapsed cannot release someone else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker serializes keys across processes with SETNX and a TTL.
// Use it when more than one ledger instance shares a database.
type RedisLocker struct {
	rdb      *redis.Client
	unlock   *redis.Script
	prefix   string
	ttl      time.Duration
	timeout  time.Duration
	retryGap time.Duration
}

// NewRedisLocker creates a distributed locker. ttl bounds how long a crashed
// holder can block a key; timeout bounds how long Acquire waits.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl, timeout time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "pledger:lock:"
	}
	return &RedisLocker{
		rdb:      rdb,
		unlock:   redis.NewScript(unlockLua),
		prefix:   prefix,
		ttl:      ttl,
		timeout:  timeout,
		retryGap: 10 * time.Millisecond,
	}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	token := uuid.New().String()
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		// Background context so release succeeds after the caller's ctx ends.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.unlock.Run(rctx, l.rdb, []string{held[i]}, token).Err()
		}
		held = held[:0]
	}

	for _, key := range keys {
		lk := l.prefix + key
		if err := l.acquireOne(ctx, lk, token); err != nil {
			releaseAll()
			return nil, model.Unavailable("lock.acquire", fmt.Errorf("%s: %w", key, err))
		}
		held = append(held, lk)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseAll()
	}, nil
}

func (l *RedisLocker) acquireOne(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retryGap)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			return fmt.Errorf("redis: setnx: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
