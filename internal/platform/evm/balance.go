// Package evm reads token balances from an EVM chain for the creation
// gate.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// balanceOfABI covers both ERC-20 and ERC-721: each exposes
// balanceOf(address) returning uint256.
var balanceOfABI abi.ABI

func init() {
	var err error
	balanceOfABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "owner", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("balanceOf abi parse: " + err.Error())
	}
}

// caller is the subset of ethclient.Client the reader needs.
type caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BalanceReader implements domain.BalanceReader with eth_call.
type BalanceReader struct {
	client caller
	closer func()
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*BalanceReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	return &BalanceReader{client: client, closer: client.Close}, nil
}

// NewBalanceReader wraps an existing contract caller.
func NewBalanceReader(c caller) *BalanceReader {
	return &BalanceReader{client: c}
}

// BalanceOf returns holder's balance of asset. Fungible balances come back
// in the token's base units; NFT balances as a plain count.
func (r *BalanceReader) BalanceOf(ctx context.Context, kind domain.GateKind, asset, holder string) (*uint256.Int, error) {
	if kind != domain.GateMinBalance && kind != domain.GateMinNftHoldings {
		return nil, fmt.Errorf("evm: balance of: unknown gate kind %q", kind)
	}
	if !common.IsHexAddress(asset) || !common.IsHexAddress(holder) {
		return nil, fmt.Errorf("evm: balance of: %w", domain.ErrInvalidAddress)
	}
	data, err := balanceOfABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	token := common.HexToAddress(asset)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call balanceOf on %s: %w", token.Hex(), err)
	}
	vals, err := balanceOfABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return nil, errors.New("evm: balanceOf returned no value")
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: balanceOf returned %T", vals[0])
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("evm: balanceOf: %w", domain.ErrOverflow)
	}
	return v, nil
}

// Close releases the RPC connection.
func (r *BalanceReader) Close() {
	if r.closer != nil {
		r.closer()
	}
}

var _ domain.BalanceReader = (*BalanceReader)(nil)
