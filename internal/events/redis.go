package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps the event stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisSink appends every event to a Redis stream for durable consumers and
// publishes it on a per-kind channel for live ones.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	prefix string
}

// NewRedisSink creates a sink writing to stream and to channels named
// prefix + kind.
func NewRedisSink(rdb *redis.Client, stream, prefix string) *RedisSink {
	if stream == "" {
		stream = "pledger:events"
	}
	if prefix == "" {
		prefix = "pledger:events:"
	}
	return &RedisSink{rdb: rdb, stream: stream, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", ev.Kind, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(ev.Kind),
			"payload": payload,
		},
	})
	pipe.Publish(ctx, s.prefix+string(ev.Kind), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", ev.Kind, err)
	}
	return nil
}
