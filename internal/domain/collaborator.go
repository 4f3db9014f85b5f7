package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// Custody moves settlement collateral between users and the engine.
// Amounts are WAD; conversion to the asset's decimals happens inside the
// implementation.
type Custody interface {
	Pull(ctx context.Context, user string, amount *uint256.Int) error
	Push(ctx context.Context, user string, amount *uint256.Int) error
}

// Claim is an outcome assertion submitted to the oracle.
type Claim struct {
	MarketID    uint64
	Question    string
	Outcome     int
	OutcomeName string
	Asserter    string
	AssertedAt  time.Time
}

// OracleStatus is the oracle's view of an assertion.
type OracleStatus struct {
	Finalized bool
	Outcome   int
	Disputed  bool
}

// Oracle is an optimistic assertion oracle. It is polled, never pushes.
type Oracle interface {
	Assert(ctx context.Context, claim Claim) (assertionID string, err error)
	IsFinalized(ctx context.Context, assertionID string) (OracleStatus, error)
}

// BalanceReader reads a holder's balance of a gating asset.
type BalanceReader interface {
	BalanceOf(ctx context.Context, kind GateKind, asset, holder string) (*uint256.Int, error)
}

// Alerter raises operator alerts for critical conditions.
type Alerter interface {
	Critical(ctx context.Context, event string, detail map[string]any)
}
