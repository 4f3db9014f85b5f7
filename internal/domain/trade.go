package domain

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
)

// TradeKind classifies a ledger journal entry.
type TradeKind string

const (
	TradeKindBuy            TradeKind = "buy"
	TradeKindSell           TradeKind = "sell"
	TradeKindRedeem         TradeKind = "redeem"
	TradeKindSubsidy        TradeKind = "subsidy"
	TradeKindFeeWithdrawal  TradeKind = "fee_withdrawal"
	TradeKindSurplusReclaim TradeKind = "surplus_reclaim"
	// TradeKindReversal undoes a pay-out whose transfer failed. RefID
	// points at the reversed entry.
	TradeKindReversal TradeKind = "reversal"
)

// Trade is an append-only journal entry for every collateral movement.
// Amount is what crossed the custody boundary (Base+Fee for buys,
// Base-Fee for sells, the payout otherwise).
type Trade struct {
	ID         string
	MarketID   uint64
	User       string
	Kind       TradeKind
	Outcome    int // -1 when not outcome specific
	Shares     uint256.Int
	Cost       lmsr.TradeCost
	Amount     uint256.Int
	PriceAfter uint256.Int
	RefID      string
	CreatedAt  time.Time
}
