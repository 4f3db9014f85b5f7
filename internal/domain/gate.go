package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// GateKind names a creation gate rule variant.
type GateKind string

const (
	GateMinBalance     GateKind = "min_balance"
	GateMinNftHoldings GateKind = "min_nft_holdings"
)

// GateRule is the persisted form of a creation gate rule.
type GateRule struct {
	Kind      GateKind
	Asset     string
	Threshold uint256.Int
}

// GatePolicy controls public market creation. Creation is allowed when
// PublicCreation is set and any rule passes.
type GatePolicy struct {
	PublicCreation bool
	Rules          []GateRule
}

// Settings holds the operator-tunable engine parameters that outlive a
// process restart.
type Settings struct {
	ProtocolFeeBps uint32
	Gate           GatePolicy
	UpdatedAt      time.Time
}

type gateRuleJSON struct {
	Kind      GateKind `json:"kind"`
	Asset     string   `json:"asset"`
	Threshold string   `json:"threshold"`
}

// MarshalJSON encodes the threshold as a decimal string.
func (r GateRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(gateRuleJSON{Kind: r.Kind, Asset: r.Asset, Threshold: r.Threshold.Dec()})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *GateRule) UnmarshalJSON(b []byte) error {
	var raw gateRuleJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	threshold, err := uint256.FromDecimal(raw.Threshold)
	if err != nil {
		return fmt.Errorf("gate rule threshold %q: %w", raw.Threshold, err)
	}
	*r = GateRule{Kind: raw.Kind, Asset: raw.Asset, Threshold: *threshold}
	return nil
}
