// Package custody implements the collateral transfer collaborator: an
// in-process ledger for development and tests, and an HTTP client for a
// remote custody service that works in the asset's native units.
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// ErrInsufficientFunds is returned when a pull exceeds the user's balance
// or a push exceeds what custody holds.
var ErrInsufficientFunds = errors.New("custody: insufficient funds")

// Memory is an in-process custody ledger. Amounts are WAD.
type Memory struct {
	mu       sync.Mutex
	balances map[string]uint256.Int
	held     uint256.Int
	pushHook func(user string, amount *uint256.Int) error
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint256.Int)}
}

func key(user string) string { return strings.ToLower(user) }

// Deposit credits user's wallet.
func (m *Memory) Deposit(user string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[key(user)]
	b.Add(&b, amount)
	m.balances[key(user)] = b
}

// Balance returns user's wallet balance.
func (m *Memory) Balance(user string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[key(user)]
	return &b
}

// Held returns the collateral custody holds for the engine.
func (m *Memory) Held() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(&m.held)
}

// OnPush installs a hook consulted before every push; a non-nil error
// fails the push without moving funds.
func (m *Memory) OnPush(hook func(user string, amount *uint256.Int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushHook = hook
}

// Pull moves amount from user's wallet into custody.
func (m *Memory) Pull(_ context.Context, user string, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[key(user)]
	if b.Lt(amount) {
		return fmt.Errorf("pull %s from %s holding %s: %w", amount.Dec(), user, b.Dec(), ErrInsufficientFunds)
	}
	b.Sub(&b, amount)
	m.balances[key(user)] = b
	m.held.Add(&m.held, amount)
	return nil
}

// Push moves amount from custody to user's wallet.
func (m *Memory) Push(_ context.Context, user string, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushHook != nil {
		if err := m.pushHook(user, amount); err != nil {
			return err
		}
	}
	if m.held.Lt(amount) {
		return fmt.Errorf("push %s to %s with %s held: %w", amount.Dec(), user, m.held.Dec(), ErrInsufficientFunds)
	}
	m.held.Sub(&m.held, amount)
	b := m.balances[key(user)]
	b.Add(&b, amount)
	m.balances[key(user)] = b
	return nil
}

var _ domain.Custody = (*Memory)(nil)
