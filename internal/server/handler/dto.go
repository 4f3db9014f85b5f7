package handler

import (
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// Amounts cross the API as human decimal strings of the collateral unit.

type assertionDTO struct {
	ID             string    `json:"id"`
	ClaimedOutcome int       `json:"claimed_outcome"`
	Asserter       string    `json:"asserter"`
	AssertedAt     time.Time `json:"asserted_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Disputed       bool      `json:"disputed"`
}

func toAssertionDTO(a *domain.Assertion) *assertionDTO {
	if a == nil {
		return nil
	}
	return &assertionDTO{
		ID:             a.ID,
		ClaimedOutcome: a.ClaimedOutcome,
		Asserter:       a.Asserter,
		AssertedAt:     a.AssertedAt,
		ExpiresAt:      a.ExpiresAt,
		Disputed:       a.Disputed,
	}
}

type marketDTO struct {
	ID             uint64             `json:"id"`
	Question       string             `json:"question"`
	OutcomeCount   int                `json:"outcome_count"`
	EndTime        time.Time          `json:"end_time"`
	B              string             `json:"b"`
	Creator        string             `json:"creator"`
	Subsidy        string             `json:"subsidy"`
	Pool           string             `json:"pool"`
	Fees           string             `json:"fees"`
	FeesWithdrawn  string             `json:"fees_withdrawn"`
	FeeBps         uint32             `json:"fee_bps"`
	Volume         string             `json:"volume"`
	TradeCount     uint64             `json:"trade_count"`
	State          domain.MarketState `json:"state"`
	Resolved       bool               `json:"resolved"`
	WinningOutcome int                `json:"winning_outcome"`
	Assertion      *assertionDTO      `json:"assertion,omitempty"`
	Rescaled       bool               `json:"rescaled"`
	SchemaVersion  int                `json:"schema_version"`
	CreatedAt      time.Time          `json:"created_at"`
}

func toMarketDTO(m engine.MarketInfo) marketDTO {
	return marketDTO{
		ID:             m.ID,
		Question:       m.Question,
		OutcomeCount:   m.OutcomeCount,
		EndTime:        m.EndTime,
		B:              wad.Format(&m.B),
		Creator:        m.Creator,
		Subsidy:        wad.Format(&m.Subsidy),
		Pool:           wad.Format(&m.Pool),
		Fees:           wad.Format(&m.Fees),
		FeesWithdrawn:  wad.Format(&m.FeesWithdrawn),
		FeeBps:         m.FeeBps,
		Volume:         wad.Format(&m.Volume),
		TradeCount:     m.TradeCount,
		State:          m.State,
		Resolved:       m.Resolved,
		WinningOutcome: m.WinningOutcome,
		Assertion:      toAssertionDTO(m.Assertion),
		Rescaled:       m.Rescaled,
		SchemaVersion:  m.SchemaVersion,
		CreatedAt:      m.CreatedAt,
	}
}

type costDTO struct {
	Base  string `json:"base"`
	Fee   string `json:"fee"`
	Total string `json:"total"`
}

// toCostDTO renders a buy cost (Total) or sell proceeds (Base-Fee, still
// reported as total).
func toCostDTO(c lmsr.TradeCost, sell bool) costDTO {
	total, err := c.Total()
	if sell {
		total, err = c.Proceeds()
	}
	out := costDTO{Base: wad.Format(&c.Base), Fee: wad.Format(&c.Fee)}
	if err == nil {
		out.Total = wad.Format(total)
	}
	return out
}

type tradeDTO struct {
	ID         string           `json:"id"`
	MarketID   uint64           `json:"market_id"`
	User       string           `json:"user"`
	Kind       domain.TradeKind `json:"kind"`
	Outcome    int              `json:"outcome"`
	Shares     string           `json:"shares"`
	Base       string           `json:"base"`
	Fee        string           `json:"fee"`
	Amount     string           `json:"amount"`
	PriceAfter string           `json:"price_after"`
	RefID      string           `json:"ref_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func toTradeDTO(t domain.Trade) tradeDTO {
	return tradeDTO{
		ID:         t.ID,
		MarketID:   t.MarketID,
		User:       t.User,
		Kind:       t.Kind,
		Outcome:    t.Outcome,
		Shares:     wad.Format(&t.Shares),
		Base:       wad.Format(&t.Cost.Base),
		Fee:        wad.Format(&t.Cost.Fee),
		Amount:     wad.Format(&t.Amount),
		PriceAfter: wad.Format(&t.PriceAfter),
		RefID:      t.RefID,
		CreatedAt:  t.CreatedAt,
	}
}

func toTradeDTOs(ts []domain.Trade) []tradeDTO {
	out := make([]tradeDTO, len(ts))
	for i, t := range ts {
		out[i] = toTradeDTO(t)
	}
	return out
}

type auditDTO struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	MarketID  *uint64        `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type amountResponse struct {
	MarketID uint64 `json:"market_id"`
	Amount   string `json:"amount"`
}
