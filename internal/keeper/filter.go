package keeper

import (
	"math/big"

	"github.com/starford/yieldkeeper/internal/ledger"
)

// Reason explains why a vault was left out of a cycle. The empty Reason means it was kept.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonNoDebt      Reason = "no debt borrowed"
	ReasonYieldTooLow Reason = "yield too low"
	ReasonInactive    Reason = "vault inactive"
	ReasonNotReady    Reason = "not ready yet (time interval)"
	ReasonZeroValue   Reason = "zero collateral value"
	ReasonPriceError  Reason = "price lookup failed"
	ReasonUnhealthy   Reason = "health factor below threshold"
)

// Eligible applies the oracle-free scan predicates to a snapshot.
// Conditions are checked in a fixed order so the reason is deterministic.
func Eligible(s ledger.VaultSnapshot, minYield *big.Int) (bool, Reason) {
	switch {
	case sign(s.Debt) <= 0:
		return false, ReasonNoDebt
	case orZero(s.PendingYield).Cmp(orZero(minYield)) < 0:
		return false, ReasonYieldTooLow
	case !s.Active:
		return false, ReasonInactive
	case !s.TimeReady:
		return false, ReasonNotReady
	}
	return true, ReasonNone
}

var zero = new(big.Int)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return zero
	}
	return v
}

func sign(v *big.Int) int {
	return orZero(v).Sign()
}
