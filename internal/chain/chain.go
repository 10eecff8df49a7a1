// Package chain reads authoritative debt, allowance and balance values from
// the lending contracts over EVM JSON-RPC.
package chain

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
)

const spokeABI = `[
 {"type":"function","name":"getUserTotalDebt","stateMutability":"view",
  "inputs":[{"name":"reserveId","type":"uint256"},{"name":"user","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// ErrUnknownReserve is returned for a reserve id with no chain mapping.
	ErrUnknownReserve = errors.New("chain: unknown reserve")

	// ErrInvalidAddress is returned for a malformed user address.
	ErrInvalidAddress = errors.New("chain: invalid address")
)

// Caller is the subset of the Ethereum RPC the client needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an RPC client for endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Reserve maps a configured reserve id to its on-chain id and underlying
// token.
type Reserve struct {
	ID        string         `toml:"id"`
	OnChainID uint64         `toml:"onchain_id"`
	Token     common.Address `toml:"token"`
}

// Client reads lending state. Every call hits the node; nothing is cached.
type Client struct {
	caller   Caller
	spoke    common.Address
	reserves map[string]Reserve
	spokeABI abi.ABI
	erc20ABI abi.ABI
}

// NewClient creates a client for the spoke contract at spoke.
func NewClient(caller Caller, spoke common.Address, reserves []Reserve) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain: caller required")
	}
	if spoke == (common.Address{}) {
		return nil, fmt.Errorf("chain: spoke address required")
	}
	spokeParsed, err := abi.JSON(strings.NewReader(spokeABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse spoke abi: %w", err)
	}
	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}
	byID := make(map[string]Reserve, len(reserves))
	for _, r := range reserves {
		if r.Token == (common.Address{}) {
			return nil, fmt.Errorf("chain: reserve %s has no token address", r.ID)
		}
		byID[r.ID] = r
	}
	return &Client{
		caller:   caller,
		spoke:    spoke,
		reserves: byID,
		spokeABI: spokeParsed,
		erc20ABI: erc20Parsed,
	}, nil
}

// CurrentDebt returns the user's total debt (principal plus accrued
// premium) in the reserve's token units.
func (c *Client) CurrentDebt(ctx context.Context, reserveID, user string) (*uint256.Int, error) {
	r, addr, err := c.resolve(reserveID, user)
	if err != nil {
		return nil, err
	}
	return c.callUint(ctx, c.spokeABI, c.spoke, "getUserTotalDebt", new(big.Int).SetUint64(r.OnChainID), addr)
}

// Allowance returns how much of the reserve token the spoke may pull from
// user.
func (c *Client) Allowance(ctx context.Context, reserveID, user string) (*uint256.Int, error) {
	r, addr, err := c.resolve(reserveID, user)
	if err != nil {
		return nil, err
	}
	return c.callUint(ctx, c.erc20ABI, r.Token, "allowance", addr, c.spoke)
}

// Balance returns the user's reserve token balance.
func (c *Client) Balance(ctx context.Context, reserveID, user string) (*uint256.Int, error) {
	r, addr, err := c.resolve(reserveID, user)
	if err != nil {
		return nil, err
	}
	return c.callUint(ctx, c.erc20ABI, r.Token, "balanceOf", addr)
}

func (c *Client) resolve(reserveID, user string) (Reserve, common.Address, error) {
	r, ok := c.reserves[reserveID]
	if !ok {
		return Reserve{}, common.Address{}, fmt.Errorf("%w: %q", ErrUnknownReserve, reserveID)
	}
	if !common.IsHexAddress(user) {
		return Reserve{}, common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, user)
	}
	return r, common.HexToAddress(user), nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (*uint256.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, values[0])
	}
	result, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("chain: %s result overflows uint256", method)
	}
	return result, nil
}
