package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/prediction-ledger/internal/metrics"
)

// Bus queues events and fans each one out to every sink. A failing sink is
// logged and never blocks or fails the others, and never reaches the
// operation that produced the event.
type Bus struct {
	sinks       []Sink
	queue       chan Event
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewBus creates a bus with a queue of size buffer.
func NewBus(logger *slog.Logger, buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		sinks:       sinks,
		queue:       make(chan Event, buffer),
		sendTimeout: 10 * time.Second,
		logger:      logger.With(slog.String("component", "events")),
	}
}

// AddSink registers a sink. Call before Run.
func (b *Bus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish enqueues events. When the queue is full the event is dropped and
// counted.
func (b *Bus) Publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		select {
		case b.queue <- ev:
		default:
			metrics.EventsPublished.WithLabelValues("bus", string(ev.Kind), "dropped").Inc()
			b.logger.WarnContext(ctx, "event queue full, dropping event", slog.String("kind", string(ev.Kind)))
		}
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			b.drain()
			return nil
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		default:
			return
		}
	}
}

// dispatch sends ev to all sinks concurrently and returns the combined
// failure, if any.
func (b *Bus) dispatch(ctx context.Context, ev Event) error {
	var g errgroup.Group
	for _, s := range b.sinks {
		s := s
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()

			if err := s.Send(sctx, ev); err != nil {
				metrics.EventsPublished.WithLabelValues(s.Name(), string(ev.Kind), "error").Inc()
				b.logger.ErrorContext(ctx, "sink failed",
					slog.String("sink", s.Name()),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			metrics.EventsPublished.WithLabelValues(s.Name(), string(ev.Kind), "ok").Inc()
			return nil
		})
	}
	return g.Wait()
}

var _ Publisher = (*Bus)(nil)
