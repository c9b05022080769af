package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/starford/yieldkeeper/internal/apperr"
)

// Backend is the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Client talks to a deployed VaultManager contract.
type Client struct {
	backend        Backend
	address        common.Address
	contract       *bind.BoundContract
	signer         *bind.TransactOpts
	callTimeout    time.Duration
	receiptTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSigner enables the write surface. Without it the client is read-only.
func WithSigner(opts *bind.TransactOpts) ClientOption {
	return func(c *Client) {
		c.signer = opts
	}
}

// WithTimeouts bounds individual calls and receipt waits. Zero leaves the default.
func WithTimeouts(call, receipt time.Duration) ClientOption {
	return func(c *Client) {
		if call > 0 {
			c.callTimeout = call
		}
		if receipt > 0 {
			c.receiptTimeout = receipt
		}
	}
}

// NewClient binds the VaultManager at address.
func NewClient(backend Backend, address common.Address, opts ...ClientOption) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("ledger: vault manager address required")
	}
	c := &Client{
		backend:        backend,
		address:        address,
		contract:       bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		callTimeout:    30 * time.Second,
		receiptTimeout: 3 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewSigner builds transaction options from a hex-encoded private key.
func NewSigner(hexKey string, chainID *big.Int) (*bind.TransactOpts, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: private key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	return key, nil
}

// From returns the signing address, or the zero address for a read-only client.
func (c *Client) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.From
}

// TotalVaults returns the number of registered vault owners.
func (c *Client) TotalVaults(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "totalVaults")
	if err != nil {
		return 0, err
	}
	n, err := bigAt(out, 0)
	if err != nil {
		return 0, fmt.Errorf("ledger: totalVaults: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("ledger: totalVaults overflows uint64: %s", n)
	}
	return n.Uint64(), nil
}

// VaultOwners returns up to count owners starting at index start.
func (c *Client) VaultOwners(ctx context.Context, start, count uint64) ([]common.Address, error) {
	out, err := c.call(ctx, "getAllVaultOwners", new(big.Int).SetUint64(start), new(big.Int).SetUint64(count))
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("ledger: getAllVaultOwners: unexpected output arity %d", len(out))
	}
	owners, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("ledger: getAllVaultOwners: unexpected output type %T", out[0])
	}
	return owners, nil
}

// VaultSnapshot reads getVaultInfo for owner. CollateralAsset is left empty;
// it costs a second call and is fetched separately for candidates only.
func (c *Client) VaultSnapshot(ctx context.Context, owner common.Address) (VaultSnapshot, error) {
	out, err := c.call(ctx, "getVaultInfo", owner)
	if err != nil {
		return VaultSnapshot{}, err
	}
	if len(out) != 6 {
		return VaultSnapshot{}, fmt.Errorf("ledger: getVaultInfo: unexpected output arity %d", len(out))
	}
	snap := VaultSnapshot{Owner: owner}
	amounts := []**big.Int{&snap.Collateral, &snap.Debt, &snap.PendingYield, &snap.HealthFactor}
	for i, dst := range amounts {
		v, err := bigAt(out, i)
		if err != nil {
			return VaultSnapshot{}, fmt.Errorf("ledger: getVaultInfo: %w", err)
		}
		*dst = v
	}
	var ok bool
	if snap.Active, ok = out[4].(bool); !ok {
		return VaultSnapshot{}, fmt.Errorf("ledger: getVaultInfo: isActive has type %T", out[4])
	}
	if snap.TimeReady, ok = out[5].(bool); !ok {
		return VaultSnapshot{}, fmt.Errorf("ledger: getVaultInfo: isReady has type %T", out[5])
	}
	return snap, nil
}

// CollateralAsset reads the collateral token of owner's vault.
func (c *Client) CollateralAsset(ctx context.Context, owner common.Address) (common.Address, error) {
	out, err := c.call(ctx, "vaults", owner)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 6 {
		return common.Address{}, fmt.Errorf("ledger: vaults: unexpected output arity %d", len(out))
	}
	asset, ok := out[3].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: vaults: collateralAsset has type %T", out[3])
	}
	return asset, nil
}

// MinYieldThreshold returns the ledger's minimum pending yield for auto-repayment.
func (c *Client) MinYieldThreshold(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "minYieldThreshold")
}

// AutoCheckInterval returns the ledger's minimum seconds between automated checks.
func (c *Client) AutoCheckInterval(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "autoCheckInterval")
}

// IsKeeper reports whether addr may trigger automated repayments.
func (c *Client) IsKeeper(ctx context.Context, addr common.Address) (bool, error) {
	out, err := c.call(ctx, "keepers", addr)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("ledger: keepers: unexpected output arity %d", len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("ledger: keepers: unexpected output type %T", out[0])
	}
	return ok, nil
}

// SimulateRepayment dry-runs processAutoRepayment from the keeper address.
// A ledger rejection is returned as *apperr.SimulationError; anything else
// is a transport failure.
func (c *Client) SimulateRepayment(ctx context.Context, owner common.Address) error {
	input, err := parsedABI.Pack("processAutoRepayment", owner)
	if err != nil {
		return fmt.Errorf("ledger: pack processAutoRepayment: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{From: c.From(), To: &c.address, Data: input}, nil)
	if err == nil {
		return nil
	}
	if reason, reverted := revertReason(err); reverted {
		return &apperr.SimulationError{Owner: owner.Hex(), Reason: reason}
	}
	return fmt.Errorf("ledger: simulate processAutoRepayment: %w", err)
}

// SubmitRepayment sends processAutoRepayment and waits for it to be mined.
// A mined but reverted transaction returns both the receipt and an error.
func (c *Client) SubmitRepayment(ctx context.Context, owner common.Address, gasLimit uint64) (*Receipt, error) {
	return c.transact(ctx, gasLimit, "processAutoRepayment", owner)
}

func (c *Client) transact(ctx context.Context, gasLimit uint64, method string, params ...any) (*Receipt, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: client has no signer", apperr.ErrSubmission)
	}
	opts := *c.signer
	opts.Context = ctx
	opts.GasLimit = gasLimit

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%w: send %s: %w", apperr.ErrSubmission, method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	mined, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for %s: %w", apperr.ErrSubmission, tx.Hash().Hex(), err)
	}

	receipt := decodeReceipt(mined)
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: transaction %s reverted", apperr.ErrSubmission, receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.From(), To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Client) callBig(ctx context.Context, method string) (*big.Int, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	v, err := bigAt(out, 0)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", method, err)
	}
	return v, nil
}

func bigAt(out []any, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("output %d has type %T", i, out[i])
	}
	return v, nil
}

func decodeReceipt(r *gethtypes.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
		Success: r.Status == gethtypes.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	out.Event = findRepaymentEvent(r.Logs)
	return out
}

func findRepaymentEvent(logs []*gethtypes.Log) *RepaymentEvent {
	event := parsedABI.Events[repaymentEventName]
	for _, log := range logs {
		if log == nil || len(log.Topics) < 2 || log.Topics[0] != event.ID {
			continue
		}
		vals, err := parsedABI.Unpack(repaymentEventName, log.Data)
		if err != nil || len(vals) != 2 {
			continue
		}
		yieldUsed, err1 := bigAt(vals, 0)
		debtReduced, err2 := bigAt(vals, 1)
		if err1 != nil || err2 != nil {
			continue
		}
		return &RepaymentEvent{
			User:        common.BytesToAddress(log.Topics[1].Bytes()),
			YieldUsed:   yieldUsed,
			DebtReduced: debtReduced,
		}
	}
	return nil
}

// revertReason extracts the Error(string) payload from an eth_call failure.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
		return err.Error(), true
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}
