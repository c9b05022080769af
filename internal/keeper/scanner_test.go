package keeper

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/yieldkeeper/internal/ledger"
)

func vaults(n int) []ledger.VaultSnapshot {
	out := make([]ledger.VaultSnapshot, n)
	for i := range out {
		out[i] = readyVault(ownerAt(i), 3000, 1000)
	}
	return out
}

func TestScan_NoVaultsMakesNoPageRequests(t *testing.T) {
	fl := newFakeLedger()
	s := NewScanner(fl, 100, minYield, discardLogger(), nil)
	defer s.Close()

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.TotalVaults)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, fl.pageCalls)
	assert.Zero(t, fl.snapshotCalls.Load())
}

func TestScan_EnumeratesEveryOwnerOnce(t *testing.T) {
	for _, tc := range []struct {
		total, page int
	}{
		{total: 1, page: 100},
		{total: 200, page: 100},
		{total: 250, page: 100},
		{total: 7, page: 3},
	} {
		fl := newFakeLedger(vaults(tc.total)...)
		s := NewScanner(fl, tc.page, minYield, discardLogger(), nil)

		res, err := s.Scan(context.Background())
		s.Close()
		require.NoError(t, err)

		assert.Equal(t, uint64(tc.total), res.TotalVaults)
		require.Len(t, res.Candidates, tc.total)
		seen := make(map[common.Address]bool)
		for i, c := range res.Candidates {
			assert.Equal(t, ownerAt(i), c.Owner, "discovery order")
			assert.False(t, seen[c.Owner], "duplicate %s", c.Owner.Hex())
			seen[c.Owner] = true
			assert.Equal(t, testAsset, c.CollateralAsset)
		}
		assert.Equal(t, int64(tc.total), fl.snapshotCalls.Load())

		wantPages := (tc.total + tc.page - 1) / tc.page
		require.Len(t, fl.pageCalls, wantPages)
		last := fl.pageCalls[wantPages-1]
		assert.Equal(t, uint64(tc.total-(wantPages-1)*tc.page), last[1], "last page is trimmed")
	}
}

func TestScan_InFlightBoundedByPage(t *testing.T) {
	fl := newFakeLedger(vaults(23)...)
	s := NewScanner(fl, 5, minYield, discardLogger(), nil)
	defer s.Close()

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, fl.maxPageInFlight.Load(), int32(5))
}

func TestScan_FiltersAndIsolatesErrors(t *testing.T) {
	lowYield := readyVault(ownerAt(1), 3000, 1000)
	lowYield.PendingYield = big.NewInt(500_000_000_000_000)
	noDebt := readyVault(ownerAt(2), 3000, 0)
	inactive := readyVault(ownerAt(3), 3000, 1000)
	inactive.Active = false
	notReady := readyVault(ownerAt(4), 3000, 1000)
	notReady.TimeReady = false

	fl := newFakeLedger(
		readyVault(ownerAt(0), 3000, 1000),
		lowYield, noDebt, inactive, notReady,
		readyVault(ownerAt(5), 3000, 1000),
		readyVault(ownerAt(6), 3000, 1000),
	)
	fl.snapshotErr[ownerAt(5)] = errors.New("rpc timeout")
	fl.assetErr[ownerAt(6)] = errors.New("rpc timeout")

	s := NewScanner(fl, 3, minYield, discardLogger(), nil)
	defer s.Close()

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, ownerAt(0), res.Candidates[0].Owner)
}

func TestScan_ThresholdFromLedger(t *testing.T) {
	v := readyVault(ownerAt(0), 3000, 1000)
	fl := newFakeLedger(v)
	fl.threshold = big.NewInt(3_000_000_000_000_000)

	s := NewScanner(fl, 10, nil, discardLogger(), nil)
	defer s.Close()

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fl.threshold, res.MinYield)
	assert.Empty(t, res.Candidates, "ledger threshold is above the vault's pending yield")
}

func TestScan_TotalVaultsError(t *testing.T) {
	fl := newFakeLedger()
	fl.totalErr = errors.New("node down")
	s := NewScanner(fl, 10, minYield, discardLogger(), nil)
	defer s.Close()

	_, err := s.Scan(context.Background())
	require.ErrorIs(t, err, fl.totalErr)
}

func TestUnseen(t *testing.T) {
	seen := map[common.Address]struct{}{ownerAt(0): {}}
	got := unseen([]common.Address{ownerAt(0), ownerAt(1), ownerAt(1), ownerAt(2)}, seen)
	assert.Equal(t, []common.Address{ownerAt(1), ownerAt(2)}, got)
}
