package domain

import (
	"errors"

	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidMarketParams   = errors.New("invalid market parameters")
	ErrInvalidOutcome        = errors.New("invalid outcome index")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrMarketClosed          = errors.New("market closed")
	ErrMarketNotEnded        = errors.New("market not ended")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrAlreadyResolved       = errors.New("market already resolved")
	ErrMarketNotResolved     = errors.New("market not resolved")
	ErrAssertionPending      = errors.New("assertion already pending")
	ErrNoAssertion           = errors.New("no assertion pending")
	ErrLivenessNotElapsed    = errors.New("liveness window not elapsed")
	ErrDisputePending        = errors.New("assertion disputed, awaiting resolution")
	ErrAssertionRejected     = errors.New("assertion rejected by oracle")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrNothingToRedeem       = errors.New("nothing to redeem")
	ErrNothingToWithdraw     = errors.New("nothing to withdraw")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrSellDisabled          = errors.New("selling is disabled")
	ErrRescaleNotAllowed     = errors.New("rescale not allowed on a traded market")
	ErrRescaleAlreadyApplied = errors.New("liquidity already rescaled")
	ErrReentrantCall         = errors.New("reentrant call on locked market")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrLockHeld              = errors.New("lock already held")

	// ErrArithmeticDomain and ErrOverflow come from the fixed-point library
	// so errors.Is works across package boundaries.
	ErrArithmeticDomain = wad.ErrArithmeticDomain
	ErrOverflow         = wad.ErrOverflow

	// ErrInsufficientPoolBalance means a pay-out would exceed the market's
	// collateral pool. It signals a broken invariant, not a user error.
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
	// ErrInvariantViolation covers ledger conservation failures.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// IsCritical reports whether err indicates a defect that must abort the
// operation and page an operator.
func IsCritical(err error) bool {
	return errors.Is(err, ErrInsufficientPoolBalance) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrArithmeticDomain) ||
		errors.Is(err, ErrOverflow)
}
