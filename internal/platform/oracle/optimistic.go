// Package oracle implements the optimistic assertion oracle collaborator:
// an in-process oracle with a liveness window and dispute handling, and an
// HTTP client for a remote one.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

var (
	ErrLivenessElapsed = errors.New("oracle: liveness window elapsed")
	ErrAlreadyDisputed = errors.New("oracle: assertion already disputed")
	ErrNotDisputed     = errors.New("oracle: assertion not disputed")
	ErrDisputeResolved = errors.New("oracle: dispute already resolved")
)

type assertion struct {
	claim     domain.Claim
	expiresAt time.Time
	disputed  bool
	settled   bool
	outcome   int
}

// Optimistic accepts every claim and finalizes it once its liveness
// window passes undisputed. A disputed claim waits for ResolveDispute.
type Optimistic struct {
	liveness time.Duration
	now      func() time.Time

	mu         sync.Mutex
	assertions map[string]*assertion
}

// NewOptimistic creates an oracle with the given liveness. now may be nil.
func NewOptimistic(liveness time.Duration, now func() time.Time) *Optimistic {
	if now == nil {
		now = time.Now
	}
	return &Optimistic{
		liveness:   liveness,
		now:        now,
		assertions: make(map[string]*assertion),
	}
}

// Assert implements domain.Oracle.
func (o *Optimistic) Assert(_ context.Context, claim domain.Claim) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := uuid.NewString()
	o.assertions[id] = &assertion{
		claim:     claim,
		expiresAt: o.now().Add(o.liveness),
		outcome:   claim.Outcome,
	}
	return id, nil
}

// IsFinalized implements domain.Oracle.
func (o *Optimistic) IsFinalized(_ context.Context, id string) (domain.OracleStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.assertions[id]
	if !ok {
		return domain.OracleStatus{}, fmt.Errorf("oracle: assertion %s: %w", id, domain.ErrNotFound)
	}
	switch {
	case a.settled:
		return domain.OracleStatus{Finalized: true, Outcome: a.outcome, Disputed: a.disputed}, nil
	case a.disputed:
		return domain.OracleStatus{Outcome: a.claim.Outcome, Disputed: true}, nil
	case !o.now().Before(a.expiresAt):
		return domain.OracleStatus{Finalized: true, Outcome: a.claim.Outcome}, nil
	}
	return domain.OracleStatus{Outcome: a.claim.Outcome}, nil
}

// Dispute challenges an assertion inside its liveness window.
func (o *Optimistic) Dispute(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.assertions[id]
	if !ok {
		return fmt.Errorf("oracle: dispute %s: %w", id, domain.ErrNotFound)
	}
	if a.disputed {
		return ErrAlreadyDisputed
	}
	if !o.now().Before(a.expiresAt) {
		return ErrLivenessElapsed
	}
	a.disputed = true
	return nil
}

// ResolveDispute settles a disputed assertion with the true outcome.
func (o *Optimistic) ResolveDispute(_ context.Context, id string, outcome int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.assertions[id]
	if !ok {
		return fmt.Errorf("oracle: resolve %s: %w", id, domain.ErrNotFound)
	}
	if !a.disputed {
		return ErrNotDisputed
	}
	if a.settled {
		return ErrDisputeResolved
	}
	a.settled = true
	a.outcome = outcome
	return nil
}

var _ domain.Oracle = (*Optimistic)(nil)
