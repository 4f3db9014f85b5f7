package gate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// CachedReader memoizes balance reads for a short TTL so repeated gate
// checks do not hit the chain on every request.
type CachedReader struct {
	next  domain.BalanceReader
	cache *expirable.LRU[string, uint256.Int]
}

// NewCachedReader wraps next with an LRU of the given size and TTL.
func NewCachedReader(next domain.BalanceReader, size int, ttl time.Duration) *CachedReader {
	return &CachedReader{
		next:  next,
		cache: expirable.NewLRU[string, uint256.Int](size, nil, ttl),
	}
}

// BalanceOf implements domain.BalanceReader.
func (c *CachedReader) BalanceOf(ctx context.Context, kind domain.GateKind, asset, holder string) (*uint256.Int, error) {
	key := string(kind) + "|" + strings.ToLower(asset) + "|" + strings.ToLower(holder)
	if v, ok := c.cache.Get(key); ok {
		return &v, nil
	}
	bal, err := c.next.BalanceOf(ctx, kind, asset, holder)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *bal)
	return bal, nil
}

// MapReader is an in-memory BalanceReader for development and tests.
type MapReader struct {
	mu       sync.RWMutex
	balances map[string]uint256.Int
}

// NewMapReader returns an empty MapReader.
func NewMapReader() *MapReader {
	return &MapReader{balances: make(map[string]uint256.Int)}
}

// Set records holder's balance of asset.
func (m *MapReader) Set(asset, holder string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(asset)+"|"+strings.ToLower(holder)] = *amount
}

// BalanceOf implements domain.BalanceReader.
func (m *MapReader) BalanceOf(_ context.Context, _ domain.GateKind, asset, holder string) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.balances[strings.ToLower(asset)+"|"+strings.ToLower(holder)]
	return &v, nil
}

var (
	_ domain.BalanceReader = (*CachedReader)(nil)
	_ domain.BalanceReader = (*MapReader)(nil)
)
