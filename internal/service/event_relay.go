package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// EventHandler consumes ledger events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev domain.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// EventRelay subscribes to bus channels and hands every decoded event to
// its handlers in order.
type EventRelay struct {
	bus      domain.SignalBus
	channels []string
	handlers []EventHandler
	logger   *slog.Logger
}

// NewEventRelay creates an EventRelay over channels.
func NewEventRelay(bus domain.SignalBus, channels []string, logger *slog.Logger, handlers ...EventHandler) *EventRelay {
	return &EventRelay{
		bus:      bus,
		channels: channels,
		handlers: handlers,
		logger:   logger.With(slog.String("component", "relay")),
	}
}

// Run blocks until ctx is cancelled or a subscription fails to open.
func (r *EventRelay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range r.channels {
		sub, err := r.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("relay: subscribe %s: %w", ch, err)
		}
		wg.Add(1)
		go func(channel string, sub <-chan []byte) {
			defer wg.Done()
			for payload := range sub {
				r.dispatch(ctx, channel, payload)
			}
		}(ch, sub)
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *EventRelay) dispatch(ctx context.Context, channel string, payload []byte) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.WarnContext(ctx, "relay: undecodable event",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, h := range r.handlers {
		if err := h.HandleEvent(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "relay: handler failed",
				slog.String("event", string(ev.Type)),
				slog.Uint64("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}
