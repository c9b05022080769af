package keeper

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/ledger"
)

// Outcome classifies what happened to one eligible candidate.
type Outcome string

const (
	OutcomeSubmitted          Outcome = "submitted"
	OutcomeSimulationRejected Outcome = "simulation_rejected"
	OutcomeFailed             Outcome = "failed"
	OutcomeReverted           Outcome = "reverted"
	OutcomeDeferred           Outcome = "deferred"
)

// SubmitResult records one repayment attempt.
type SubmitResult struct {
	Owner        common.Address
	Outcome      Outcome
	HealthFactor *big.Int
	Receipt      *ledger.Receipt
	Reason       string
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submitter sends repayments one at a time. The signing key and its nonce
// sequence belong to the single in-flight submission: mu is held for a whole
// batch, so batches from different callers never interleave either.
type Submitter struct {
	mu          sync.Mutex
	writer      ledger.Writer
	gasLimit    uint64
	pause       time.Duration
	maxPerCycle int
	sleep       SleepFunc
	logger      *slog.Logger
	metrics     *Metrics
}

// NewSubmitter returns a submitter. maxPerCycle <= 0 means no cap.
func NewSubmitter(writer ledger.Writer, gasLimit uint64, pause time.Duration, maxPerCycle int, logger *slog.Logger, metrics *Metrics) *Submitter {
	return &Submitter{
		writer:      writer,
		gasLimit:    gasLimit,
		pause:       pause,
		maxPerCycle: maxPerCycle,
		sleep:       sleepContext,
		logger:      logger,
		metrics:     metrics,
	}
}

// SubmitAll simulates then submits every eligible decision in order.
// Individual failures are logged and never stop the batch.
func (s *Submitter) SubmitAll(ctx context.Context, decisions []Decision) []SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []SubmitResult
	sent := 0
	paceNext := false
	for _, d := range decisions {
		if !d.Eligible {
			continue
		}
		if s.maxPerCycle > 0 && sent >= s.maxPerCycle {
			results = append(results, SubmitResult{
				Owner:        d.Candidate.Owner,
				Outcome:      OutcomeDeferred,
				HealthFactor: d.HealthFactor,
				Reason:       "per-cycle submission cap reached",
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			s.logger.Warn("submit: stopping batch", slog.String("error", err.Error()))
			break
		}

		// Pace only after a transaction actually went out.
		if paceNext && s.pause > 0 {
			if err := s.sleep(ctx, s.pause); err != nil {
				s.logger.Warn("submit: stopping batch", slog.String("error", err.Error()))
				break
			}
		}

		res, attempted := s.submitOne(ctx, d)
		paceNext = attempted
		if attempted {
			sent++
		}
		s.metrics.repayment(res.Outcome)
		results = append(results, res)
	}

	if deferred := countOutcome(results, OutcomeDeferred); deferred > 0 {
		s.logger.Info("submit: deferred to next cycle", slog.Int("count", deferred), slog.Int("cap", s.maxPerCycle))
		for i := 0; i < deferred; i++ {
			s.metrics.repayment(OutcomeDeferred)
		}
	}
	return results
}

// submitOne reports whether a transaction was actually sent.
func (s *Submitter) submitOne(ctx context.Context, d Decision) (SubmitResult, bool) {
	owner := d.Candidate.Owner
	res := SubmitResult{Owner: owner, HealthFactor: d.HealthFactor}
	logger := s.logger.With(slog.String("owner", owner.Hex()))

	if err := s.writer.SimulateRepayment(ctx, owner); err != nil {
		var simErr *apperr.SimulationError
		if errors.As(err, &simErr) {
			logger.Info("submit: simulation rejected, skipping", slog.String("reason", simErr.Reason))
			res.Outcome = OutcomeSimulationRejected
			res.Reason = simErr.Reason
		} else {
			logger.Error("submit: simulation failed", slog.String("error", err.Error()))
			res.Outcome = OutcomeFailed
			res.Reason = err.Error()
		}
		return res, false
	}

	receipt, err := s.writer.SubmitRepayment(ctx, owner, s.gasLimit)
	res.Receipt = receipt
	if err != nil {
		res.Reason = err.Error()
		if receipt != nil {
			res.Outcome = OutcomeReverted
			logger.Error("submit: transaction reverted",
				slog.String("tx", receipt.TxHash.Hex()),
				slog.Uint64("gas_used", receipt.GasUsed))
		} else {
			res.Outcome = OutcomeFailed
			logger.Error("submit: transaction failed", slog.String("error", err.Error()))
		}
		return res, true
	}

	res.Outcome = OutcomeSubmitted
	attrs := []any{
		slog.String("tx", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Uint64("gas_used", receipt.GasUsed),
	}
	if ev := receipt.Event; ev != nil {
		attrs = append(attrs,
			slog.String("yield_used", orZero(ev.YieldUsed).String()),
			slog.String("debt_reduced", orZero(ev.DebtReduced).String()))
	}
	logger.Info("submit: repayment processed", attrs...)
	return res, true
}

func countOutcome(results []SubmitResult, o Outcome) int {
	n := 0
	for _, r := range results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}
