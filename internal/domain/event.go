package domain

import "time"

// Event channels on the signal bus.
const (
	ChannelMarkets     = "markets"
	ChannelTrades      = "trades"
	ChannelResolutions = "resolutions"
	ChannelAdmin       = "admin"

	// StreamLedger is the durable stream every event is appended to.
	StreamLedger = "stream:ledger"
)

// EventType names a ledger event.
type EventType string

const (
	EventMarketCreated     EventType = "market_created"
	EventTrade             EventType = "trade"
	EventOutcomeAsserted   EventType = "outcome_asserted"
	EventAssertionDisputed EventType = "assertion_disputed"
	EventAssertionRejected EventType = "assertion_rejected"
	EventMarketResolved    EventType = "market_resolved"
	EventRedeemed          EventType = "redeemed"
	EventFeesWithdrawn     EventType = "fees_withdrawn"
	EventLiquidityRescaled EventType = "liquidity_rescaled"
	EventSettingsChanged   EventType = "settings_changed"
	EventMarketMigrated    EventType = "market_migrated"
)

// Event is published to the bus after a mutation commits.
type Event struct {
	Type     EventType      `json:"type"`
	MarketID uint64         `json:"market_id"`
	User     string         `json:"user,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}
