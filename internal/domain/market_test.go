package domain_test

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func TestMarketState(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &domain.Market{EndTime: end, Status: domain.MarketStatusActive}

	assert.Equal(t, domain.MarketStateOpen, m.State(end.Add(-time.Second)))
	assert.Equal(t, domain.MarketStateEnded, m.State(end))

	m.Status = domain.MarketStatusAssertionPending
	assert.Equal(t, domain.MarketStateAssertionPending, m.State(end.Add(-time.Hour)))

	m.Status = domain.MarketStatusDisputed
	assert.Equal(t, domain.MarketStateDisputed, m.State(end))

	m.Status = domain.MarketStatusResolved
	assert.Equal(t, domain.MarketStateResolved, m.State(end))
	assert.True(t, m.Resolved())
}

func TestMarketCloneIsDeep(t *testing.T) {
	bps := uint32(50)
	m := &domain.Market{
		Outcomes:  []string{"yes", "no"},
		Q:         []uint256.Int{*uint256.NewInt(1), *uint256.NewInt(2)},
		FeeBps:    &bps,
		Assertion: &domain.Assertion{ID: "a1", ClaimedOutcome: 1},
	}
	c := m.Clone()
	c.Outcomes[0] = "changed"
	c.Q[0].SetUint64(99)
	*c.FeeBps = 7
	c.Assertion.ClaimedOutcome = 0

	assert.Equal(t, "yes", m.Outcomes[0])
	assert.Equal(t, uint64(1), m.Q[0].Uint64())
	assert.Equal(t, uint32(50), *m.FeeBps)
	assert.Equal(t, 1, m.Assertion.ClaimedOutcome)
}

func TestMarketActivityAndFees(t *testing.T) {
	m := &domain.Market{Outcomes: []string{"a", "b"}, Q: make([]uint256.Int, 2)}
	assert.False(t, m.HasActivity())
	assert.Equal(t, uint32(30), m.EffectiveFeeBps(30))
	assert.True(t, m.ValidOutcome(1))
	assert.False(t, m.ValidOutcome(2))

	m.Q[1].SetUint64(1)
	assert.True(t, m.HasActivity())

	bps := uint32(0)
	m.FeeBps = &bps
	assert.Equal(t, uint32(0), m.EffectiveFeeBps(30))
}

func TestIsCritical(t *testing.T) {
	assert.True(t, domain.IsCritical(domain.ErrInsufficientPoolBalance))
	assert.True(t, domain.IsCritical(domain.ErrOverflow))
	assert.False(t, domain.IsCritical(domain.ErrSlippageExceeded))
}
