// Package executor guards trade submission against duplicates.
package executor

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxKeys bounds how many idempotency keys a Dedup remembers. The
// oldest key is evicted first when the bound is reached.
const DefaultMaxKeys = 100_000

// Dedup rejects an idempotency key that was already accepted within a
// time-to-live window. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewDedup creates a Dedup that remembers up to DefaultMaxKeys keys for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return NewDedupSize(DefaultMaxKeys, ttl)
}

// NewDedupSize is NewDedup with an explicit key bound.
func NewDedupSize(size int, ttl time.Duration) *Dedup {
	return &Dedup{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// IsDuplicate reports whether key was accepted within the TTL window.
// Otherwise the key is recorded and false is returned, so two concurrent
// submissions with the same key cannot both pass.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen.Get(key); ok {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Forget releases a key whose request failed, so the client may retry it.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Remove(key)
}
