package custody

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// UnitTransferrer moves collateral in the asset's native units.
type UnitTransferrer interface {
	PullUnits(ctx context.Context, user string, units *uint256.Int) error
	PushUnits(ctx context.Context, user string, units *uint256.Int) error
}

// Scaled adapts a UnitTransferrer to the WAD amounts the engine uses.
// Pulls round up and pushes round down, so rounding dust always stays
// with custody.
type Scaled struct {
	next     UnitTransferrer
	decimals uint8
}

// NewScaled wraps next for an asset with the given decimals.
func NewScaled(next UnitTransferrer, decimals uint8) (*Scaled, error) {
	if decimals > wad.Decimals {
		return nil, fmt.Errorf("custody: asset decimals %d above %d", decimals, wad.Decimals)
	}
	return &Scaled{next: next, decimals: decimals}, nil
}

// Pull implements domain.Custody.
func (s *Scaled) Pull(ctx context.Context, user string, amount *uint256.Int) error {
	units, err := wad.ToUnits(amount, s.decimals, true)
	if err != nil {
		return fmt.Errorf("custody: pull: %w", err)
	}
	if units.IsZero() {
		return nil
	}
	return s.next.PullUnits(ctx, user, units)
}

// Push implements domain.Custody.
func (s *Scaled) Push(ctx context.Context, user string, amount *uint256.Int) error {
	units, err := wad.ToUnits(amount, s.decimals, false)
	if err != nil {
		return fmt.Errorf("custody: push: %w", err)
	}
	if units.IsZero() {
		return nil
	}
	return s.next.PushUnits(ctx, user, units)
}

var _ domain.Custody = (*Scaled)(nil)
