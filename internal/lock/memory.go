package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/prediction-ledger/internal/model"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker serializes keys within one process. Slots are created on
// demand and dropped once nobody holds or waits on them.
type MemoryLocker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

// NewMemoryLocker creates an in-process locker. A zero timeout waits only on
// the caller's context.
func NewMemoryLocker(timeout time.Duration) *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot), timeout: timeout}
}

func (l *MemoryLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	held := make([]*slot, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			l.unref(keys[i], held[i])
		}
		held = held[:0]
	}

	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			l.unref(key, s)
			releaseAll()
			return nil, model.Unavailable("lock.acquire", fmt.Errorf("%w: %s: %v", ErrTimeout, key, ctx.Err()))
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

var _ Locker = (*MemoryLocker)(nil)
