// Package oracle reads asset valuations from the on-chain price oracle.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const oracleABI = `[
  {"type":"function","name":"getAssetValue","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getPrice","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		panic("oracle: invalid abi: " + err.Error())
	}
	return parsed
}()

// Valuer converts an asset quantity into the ledger's reference currency.
// A zero result is a legitimate answer and is not reported as an error.
type Valuer interface {
	AssetValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)
}

var _ Valuer = (*Client)(nil)

// Client reads from a deployed price oracle.
type Client struct {
	caller  ethereum.ContractCaller
	address common.Address
	timeout time.Duration
}

// NewClient binds the oracle at address. A non-positive timeout defaults to 30s.
func NewClient(caller ethereum.ContractCaller, address common.Address, timeout time.Duration) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: caller required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("oracle: address required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{caller: caller, address: address, timeout: timeout}, nil
}

// AssetValue returns getAssetValue(asset, amount).
func (c *Client) AssetValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	return c.callUint(ctx, "getAssetValue", asset, amount)
}

// Price returns the unit price of asset.
func (c *Client) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	return c.callUint(ctx, "getPrice", asset)
}

func (c *Client) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("oracle: %s: unexpected output arity %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("oracle: %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}
