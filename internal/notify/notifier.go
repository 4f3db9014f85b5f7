// Package notify fans operator alerts and selected ledger events out to
// chat channels (Telegram, Discord).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type alert struct {
	title   string
	message string
}

// Notifier dispatches to every Sender. Events are filtered by type;
// critical alerts always pass. Alerts are queued and delivered by Run so
// that raising one never blocks the caller, which may hold a market lock.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan alert
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list forwards every
// event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan alert, 64),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Critical implements domain.Alerter. The alert is dropped, with an error
// log, when the queue is full.
func (n *Notifier) Critical(ctx context.Context, event string, detail map[string]any) {
	a := alert{title: "CRITICAL: " + event, message: formatDetail(detail)}
	select {
	case n.queue <- a:
	default:
		n.logger.ErrorContext(ctx, "notify: alert queue full, dropping alert",
			slog.String("event", event),
		)
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			if err := n.dispatch(ctx, a.title, a.message); err != nil {
				n.logger.WarnContext(ctx, "notify: alert delivery failed",
					slog.String("title", a.title),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// HandleEvent renders a ledger event and passes it to Notify.
func (n *Notifier) HandleEvent(ctx context.Context, ev domain.Event) error {
	title := fmt.Sprintf("%s: market %d", strings.ReplaceAll(string(ev.Type), "_", " "), ev.MarketID)
	detail := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		detail[k] = v
	}
	if ev.User != "" {
		detail["user"] = ev.User
	}
	return n.Notify(ctx, string(ev.Type), title, formatDetail(detail))
}

// dispatch sends to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// formatDetail renders detail as sorted key: value lines.
func formatDetail(detail map[string]any) string {
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := detail[k]
		switch v.(type) {
		case string, fmt.Stringer, error:
		default:
			if raw, err := json.Marshal(v); err == nil {
				v = string(raw)
			}
		}
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ domain.Alerter = (*Notifier)(nil)
