package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotKeeper     = errors.New("signer is not an authorized keeper")
	ErrSubmission    = errors.New("repayment submission failed")
	ErrCycleInFlight = errors.New("cycle already in flight")
)

// SimulationError reports that a dry-run of a repayment was rejected by the ledger.
type SimulationError struct {
	Owner  string
	Reason string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation rejected for %s: %s", e.Owner, e.Reason)
}
