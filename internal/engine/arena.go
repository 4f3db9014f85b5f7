package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// lock is a context-aware mutex. Acquiring it tags the returned context so
// a nested acquisition through that context fails instead of deadlocking.
type lock struct {
	name string
	sem  chan struct{}
}

type heldKey struct{ l *lock }

func newLock(name string) *lock {
	return &lock{name: name, sem: make(chan struct{}, 1)}
}

// acquire blocks until the lock is free or ctx is done. The returned
// context must be used for all work done under the lock.
func (l *lock) acquire(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(heldKey{l}) != nil {
		return nil, nil, domain.ErrReentrantCall
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-l.sem })
	}
	return context.WithValue(ctx, heldKey{l}, l.name), release, nil
}

// marketSlot is one arena entry. The market pointer is replaced, never
// mutated, so readers may use a loaded snapshot without locking.
type marketSlot struct {
	lock *lock
	snap atomic.Pointer[domain.Market]

	posMu     sync.RWMutex
	positions map[string][]uint256.Int
}

func newSlot(m *domain.Market) *marketSlot {
	s := &marketSlot{
		lock:      newLock("market"),
		positions: make(map[string][]uint256.Int),
	}
	s.snap.Store(m)
	return s
}

func (s *marketSlot) market() *domain.Market {
	return s.snap.Load()
}

// position returns a copy of user's per-outcome shares.
func (s *marketSlot) position(user string, n int) []uint256.Int {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	out := make([]uint256.Int, n)
	copy(out, s.positions[user])
	return out
}

// publish installs the next snapshot together with any changed positions.
func (s *marketSlot) publish(m *domain.Market, changes map[string][]uint256.Int) {
	s.posMu.Lock()
	for user, pos := range changes {
		s.positions[user] = pos
	}
	s.posMu.Unlock()
	s.snap.Store(m)
}

// sumPositions adds up every holder's shares per outcome.
func (s *marketSlot) sumPositions(n int) ([]uint256.Int, error) {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	sum := make([]uint256.Int, n)
	for _, pos := range s.positions {
		for i := range pos {
			if _, overflow := sum[i].AddOverflow(&sum[i], &pos[i]); overflow {
				return nil, domain.ErrOverflow
			}
		}
	}
	return sum, nil
}

func (s *marketSlot) holders() map[string][]uint256.Int {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	out := make(map[string][]uint256.Int, len(s.positions))
	for user, pos := range s.positions {
		out[user] = append([]uint256.Int(nil), pos...)
	}
	return out
}
