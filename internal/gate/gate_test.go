package gate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/gate"
)

const (
	token  = "0x00000000000000000000000000000000000000aa"
	nft    = "0x00000000000000000000000000000000000000bb"
	holder = "0x0000000000000000000000000000000000000001"
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) BalanceOf(ctx context.Context, kind domain.GateKind, asset, h string) (*uint256.Int, error) {
	args := m.Called(ctx, kind, asset, h)
	if v := args.Get(0); v != nil {
		return v.(*uint256.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

func policy() domain.GatePolicy {
	return domain.GatePolicy{
		PublicCreation: true,
		Rules: []domain.GateRule{
			{Kind: domain.GateMinBalance, Asset: token, Threshold: *uint256.NewInt(1000)},
			{Kind: domain.GateMinNftHoldings, Asset: nft, Threshold: *uint256.NewInt(1)},
		},
	}
}

func TestEvaluate_TokenOrNft(t *testing.T) {
	ctx := context.Background()

	t.Run("neither", func(t *testing.T) {
		r := gate.NewMapReader()
		r.Set(token, holder, uint256.NewInt(999))
		d, err := gate.Evaluate(ctx, r, policy(), holder)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Len(t, d.Results, 2)
	})

	t.Run("token threshold", func(t *testing.T) {
		r := gate.NewMapReader()
		r.Set(token, holder, uint256.NewInt(1000))
		d, err := gate.Evaluate(ctx, r, policy(), holder)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Len(t, d.Results, 1)
	})

	t.Run("nft only", func(t *testing.T) {
		r := gate.NewMapReader()
		r.Set(nft, holder, uint256.NewInt(1))
		d, err := gate.Evaluate(ctx, r, policy(), holder)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("public creation disabled", func(t *testing.T) {
		r := gate.NewMapReader()
		r.Set(token, holder, uint256.NewInt(5000))
		p := policy()
		p.PublicCreation = false
		d, err := gate.Evaluate(ctx, r, p, holder)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Empty(t, d.Results)
	})
}

func TestEvaluate_ReadErrors(t *testing.T) {
	ctx := context.Background()
	rpcDown := errors.New("rpc down")

	r := new(mockReader)
	r.On("BalanceOf", ctx, domain.GateMinBalance, mock.Anything, holder).Return(nil, rpcDown)
	r.On("BalanceOf", ctx, domain.GateMinNftHoldings, mock.Anything, holder).Return(uint256.NewInt(2), nil)

	// A failing rule does not block a passing one.
	d, err := gate.Evaluate(ctx, r, policy(), holder)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.Len(t, d.Results, 2)
	assert.ErrorIs(t, d.Results[0].Err, rpcDown)

	// With no passing rule the outage is reported.
	only := policy()
	only.Rules = only.Rules[:1]
	_, err = gate.Evaluate(ctx, r, only, holder)
	assert.ErrorIs(t, err, rpcDown)
}

func TestFromSpec(t *testing.T) {
	_, err := gate.FromSpec(domain.GateRule{Kind: domain.GateMinBalance, Asset: "nope", Threshold: *uint256.NewInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	_, err = gate.FromSpec(domain.GateRule{Kind: domain.GateMinBalance, Asset: token})
	assert.Error(t, err)

	_, err = gate.FromSpec(domain.GateRule{Kind: "whitelist", Asset: token, Threshold: *uint256.NewInt(1)})
	assert.Error(t, err)

	rules, err := gate.Normalize(policy().Rules)
	require.NoError(t, err)
	assert.True(t, strings.EqualFold(token, rules[0].Asset))
	assert.Equal(t, common.HexToAddress(token).Hex(), rules[0].Asset)
}

func TestCachedReader(t *testing.T) {
	ctx := context.Background()
	r := new(mockReader)
	r.On("BalanceOf", ctx, domain.GateMinBalance, token, holder).Return(uint256.NewInt(7), nil).Once()

	c := gate.NewCachedReader(r, 16, time.Minute)
	for i := 0; i < 3; i++ {
		bal, err := c.BalanceOf(ctx, domain.GateMinBalance, token, holder)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), bal.Uint64())
	}
	r.AssertExpectations(t)
}
