// Package ledger provides typed access to the VaultManager contract.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VaultSnapshot is a point-in-time view of one vault as reported by the ledger.
type VaultSnapshot struct {
	Owner        common.Address
	Collateral   *big.Int
	Debt         *big.Int
	PendingYield *big.Int
	// HealthFactor is the ledger's own figure. The keeper never acts on it.
	HealthFactor    *big.Int
	CollateralAsset common.Address
	Active          bool
	TimeReady       bool
}

// RepaymentEvent is the decoded AutoRepaymentProcessed log.
type RepaymentEvent struct {
	User        common.Address
	YieldUsed   *big.Int
	DebtReduced *big.Int
}

// Receipt summarises a mined repayment transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
	Event       *RepaymentEvent
}

// Reader is the read-only surface of the vault registry.
// Consumers should depend on this interface rather than *Client
// so tests can substitute deterministic fakes.
type Reader interface {
	TotalVaults(ctx context.Context) (uint64, error)
	VaultOwners(ctx context.Context, start, count uint64) ([]common.Address, error)
	VaultSnapshot(ctx context.Context, owner common.Address) (VaultSnapshot, error)
	CollateralAsset(ctx context.Context, owner common.Address) (common.Address, error)
	MinYieldThreshold(ctx context.Context) (*big.Int, error)
	AutoCheckInterval(ctx context.Context) (*big.Int, error)
	IsKeeper(ctx context.Context, addr common.Address) (bool, error)
}

// Writer is the mutating surface. Calls are not retried.
type Writer interface {
	SimulateRepayment(ctx context.Context, owner common.Address) error
	SubmitRepayment(ctx context.Context, owner common.Address, gasLimit uint64) (*Receipt, error)
}

// Verify *Client satisfies both ports at compile time.
var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)
