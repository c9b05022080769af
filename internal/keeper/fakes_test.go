package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/ledger"
)

var (
	testAsset = common.HexToAddress("0x2000000000000000000000000000000000000001")
	minYield  = big.NewInt(1_000_000_000_000_000)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ownerAt(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// readyVault passes every Phase-1 check.
func readyVault(owner common.Address, collateral, debt int64) ledger.VaultSnapshot {
	return ledger.VaultSnapshot{
		Owner:        owner,
		Collateral:   big.NewInt(collateral),
		Debt:         big.NewInt(debt),
		PendingYield: big.NewInt(2_000_000_000_000_000),
		Active:       true,
		TimeReady:    true,
	}
}

// fakeLedger is an in-memory registry implementing both ports. Submissions
// are instrumented so overlapping call windows are detected.
type fakeLedger struct {
	mu        sync.Mutex
	owners    []common.Address
	snapshots map[common.Address]ledger.VaultSnapshot
	threshold *big.Int

	snapshotErr map[common.Address]error
	assetErr    map[common.Address]error
	simErr      map[common.Address]error
	submitErr   map[common.Address]error
	totalErr    error

	pageCalls     [][2]uint64
	snapshotCalls atomic.Int64
	simulated     []common.Address
	submitted     []common.Address

	submitDelay time.Duration
	inFlight    atomic.Int32
	overlaps    atomic.Int32

	pageInFlight    atomic.Int32
	maxPageInFlight atomic.Int32
}

func newFakeLedger(snaps ...ledger.VaultSnapshot) *fakeLedger {
	f := &fakeLedger{
		snapshots:   make(map[common.Address]ledger.VaultSnapshot),
		threshold:   minYield,
		snapshotErr: make(map[common.Address]error),
		assetErr:    make(map[common.Address]error),
		simErr:      make(map[common.Address]error),
		submitErr:   make(map[common.Address]error),
	}
	for _, s := range snaps {
		f.owners = append(f.owners, s.Owner)
		f.snapshots[s.Owner] = s
	}
	return f
}

func (f *fakeLedger) TotalVaults(context.Context) (uint64, error) {
	if f.totalErr != nil {
		return 0, f.totalErr
	}
	return uint64(len(f.owners)), nil
}

func (f *fakeLedger) VaultOwners(_ context.Context, start, count uint64) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls = append(f.pageCalls, [2]uint64{start, count})
	end := min(start+count, uint64(len(f.owners)))
	if start > end {
		return nil, nil
	}
	return append([]common.Address(nil), f.owners[start:end]...), nil
}

func (f *fakeLedger) VaultSnapshot(_ context.Context, owner common.Address) (ledger.VaultSnapshot, error) {
	f.snapshotCalls.Add(1)
	n := f.pageInFlight.Add(1)
	defer f.pageInFlight.Add(-1)
	for {
		cur := f.maxPageInFlight.Load()
		if n <= cur || f.maxPageInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	// Give concurrent checks a chance to overlap.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.snapshotErr[owner]; err != nil {
		return ledger.VaultSnapshot{}, err
	}
	s, ok := f.snapshots[owner]
	if !ok {
		return ledger.VaultSnapshot{}, fmt.Errorf("unknown owner %s", owner.Hex())
	}
	return s, nil
}

func (f *fakeLedger) CollateralAsset(_ context.Context, owner common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.assetErr[owner]; err != nil {
		return common.Address{}, err
	}
	return testAsset, nil
}

func (f *fakeLedger) MinYieldThreshold(context.Context) (*big.Int, error) {
	return f.threshold, nil
}

func (f *fakeLedger) AutoCheckInterval(context.Context) (*big.Int, error) {
	return big.NewInt(3600), nil
}

func (f *fakeLedger) IsKeeper(context.Context, common.Address) (bool, error) {
	return true, nil
}

func (f *fakeLedger) SimulateRepayment(_ context.Context, owner common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = append(f.simulated, owner)
	return f.simErr[owner]
}

func (f *fakeLedger) SubmitRepayment(_ context.Context, owner common.Address, _ uint64) (*ledger.Receipt, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(f.submitDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, owner)
	if err := f.submitErr[owner]; err != nil {
		if errors.Is(err, errReverted) {
			return &ledger.Receipt{TxHash: common.BytesToHash(owner.Bytes())}, fmt.Errorf("%w: reverted", apperr.ErrSubmission)
		}
		return nil, err
	}
	return &ledger.Receipt{
		TxHash:      common.BytesToHash(owner.Bytes()),
		BlockNumber: 7,
		GasUsed:     90_000,
		Success:     true,
		Event: &ledger.RepaymentEvent{
			User:        owner,
			YieldUsed:   big.NewInt(2_000_000_000_000_000),
			DebtReduced: big.NewInt(6),
		},
	}, nil
}

func (f *fakeLedger) submittedOwners() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.submitted...)
}

func (f *fakeLedger) simulatedOwners() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.simulated...)
}

var errReverted = errors.New("reverted on chain")

// fakeOracle values collateral through a per-call function so tests can move
// the price between cycles.
type fakeOracle struct {
	mu    sync.Mutex
	value func(owner int, amount *big.Int) (*big.Int, error)
	calls int
}

func fixedRatio(num int64) func(int, *big.Int) (*big.Int, error) {
	return func(_ int, amount *big.Int) (*big.Int, error) {
		return new(big.Int).Mul(amount, big.NewInt(num)), nil
	}
}

func (o *fakeOracle) AssetValue(_ context.Context, _ common.Address, amount *big.Int) (*big.Int, error) {
	o.mu.Lock()
	o.calls++
	n := o.calls
	fn := o.value
	o.mu.Unlock()
	if fn == nil {
		return new(big.Int).Set(amount), nil
	}
	return fn(n, amount)
}

func (o *fakeOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// recordingPublisher captures published event types.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type memRecorder struct {
	mu      sync.Mutex
	reports []CycleReport
}

func (r *memRecorder) RecordCycle(_ context.Context, report CycleReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	return Config{
		ScanInterval:        30 * time.Minute,
		MinYield:            minYield,
		MinHealthFactor:     150,
		ScanBatchSize:       100,
		ProcessBatchSize:    20,
		ValidateConcurrency: 4,
		GasLimit:            80_000_000,
		SubmitPause:         500 * time.Millisecond,
	}
}
