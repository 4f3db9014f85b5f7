package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// CurrentSchemaVersion is the layout every market is migrated to on load.
// Version 1 stored amounts at the collateral asset's native decimals;
// version 2 stores everything at WAD scale.
const CurrentSchemaVersion = 2

// MarketStatus is the persisted part of a market's lifecycle.
type MarketStatus string

const (
	MarketStatusActive           MarketStatus = "active"
	MarketStatusAssertionPending MarketStatus = "assertion_pending"
	MarketStatusDisputed         MarketStatus = "disputed"
	MarketStatusResolved         MarketStatus = "resolved"
)

// MarketState is the lifecycle state derived from the status and the clock.
type MarketState string

const (
	MarketStateOpen             MarketState = "open"
	MarketStateEnded            MarketState = "ended"
	MarketStateAssertionPending MarketState = "assertion_pending"
	MarketStateDisputed         MarketState = "disputed"
	MarketStateResolved         MarketState = "resolved"
)

// Assertion is an outcome claim registered with the oracle.
type Assertion struct {
	ID             string
	ClaimedOutcome int
	Asserter       string
	AssertedAt     time.Time
	ExpiresAt      time.Time
	Disputed       bool
}

// Market is an LMSR prediction market. All amounts are WAD.
type Market struct {
	ID             uint64
	SchemaVersion  int
	Question       string
	Outcomes       []string
	B              uint256.Int
	EndTime        time.Time
	Creator        string
	Subsidy        uint256.Int
	Pool           uint256.Int
	Q              []uint256.Int
	Fees           uint256.Int
	FeesWithdrawn  uint256.Int
	FeeBps         *uint32 // nil uses the protocol fee
	Volume         uint256.Int
	TradeCount     uint64
	Status         MarketStatus
	Assertion      *Assertion
	WinningOutcome int
	ResolvedAt     *time.Time
	Rescaled       bool
	AssetDecimals  uint8 // only meaningful before schema version 2
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy that shares no memory with m.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Q = append([]uint256.Int(nil), m.Q...)
	if m.FeeBps != nil {
		bps := *m.FeeBps
		c.FeeBps = &bps
	}
	if m.Assertion != nil {
		a := *m.Assertion
		c.Assertion = &a
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Resolved reports whether the winning outcome is final.
func (m *Market) Resolved() bool {
	return m.Status == MarketStatusResolved
}

// State derives the lifecycle state at now.
func (m *Market) State(now time.Time) MarketState {
	switch m.Status {
	case MarketStatusResolved:
		return MarketStateResolved
	case MarketStatusDisputed:
		return MarketStateDisputed
	case MarketStatusAssertionPending:
		return MarketStateAssertionPending
	}
	if now.Before(m.EndTime) {
		return MarketStateOpen
	}
	return MarketStateEnded
}

// HasActivity reports whether any shares were ever traded.
func (m *Market) HasActivity() bool {
	if m.TradeCount > 0 {
		return true
	}
	for i := range m.Q {
		if !m.Q[i].IsZero() {
			return true
		}
	}
	return false
}

// ValidOutcome reports whether i indexes an outcome of m.
func (m *Market) ValidOutcome(i int) bool {
	return i >= 0 && i < len(m.Outcomes)
}

// EffectiveFeeBps returns the market override or the protocol default.
func (m *Market) EffectiveFeeBps(protocolBps uint32) uint32 {
	if m.FeeBps != nil {
		return *m.FeeBps
	}
	return protocolBps
}
