// Package memory provides in-process implementations of the cache
// interfaces for single-node deployments that run without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// DefaultStreamMaxLen bounds each in-memory stream.
const DefaultStreamMaxLen = 10_000

type subscription struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	seq     uint64
	entries []domain.StreamMessage
}

// SignalBus implements domain.SignalBus inside one process. Slow
// subscribers lose messages rather than block publishers.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	streams map[string]*stream
	maxLen  int
}

// NewSignalBus creates a SignalBus. A non-positive maxLen uses
// DefaultStreamMaxLen.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &SignalBus{
		subs:    make(map[int]*subscription),
		streams: make(map[string]*stream),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every subscription whose pattern matches.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// Subscribe returns a channel of payloads published to channels matching
// pattern. It closes when ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", pattern, err)
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{pattern: pattern, ch: make(chan []byte, 128)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

// StreamAppend appends payload to stream, dropping the oldest entries
// beyond maxLen.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      strconv.FormatUint(s.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if over := len(s.entries) - b.maxLen; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	return nil
}

// StreamRead returns up to count entries with ids after lastID ("0" for
// the start).
func (b *SignalBus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseUint(lastID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: bad id %q", name, lastID)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, m := range s.entries {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
