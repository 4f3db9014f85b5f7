package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// Position is one user's share balance of one outcome. Positions are
// never deleted; zero is a valid terminal balance.
type Position struct {
	MarketID  uint64
	User      string
	Outcome   int
	Shares    uint256.Int
	UpdatedAt time.Time
}
