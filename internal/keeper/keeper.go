// Package keeper runs the scan, validate and submit cycle for automated
// yield-to-debt repayment.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/ledger"
	"github.com/starford/yieldkeeper/internal/oracle"
)

// Config holds the keeper's tunables. It is read once at construction.
type Config struct {
	ScanInterval        time.Duration
	MinYield            *big.Int
	MinHealthFactor     uint64
	ScanBatchSize       int
	ProcessBatchSize    int
	ValidateConcurrency int
	GasLimit            uint64
	SubmitPause         time.Duration
}

// Recorder persists finished cycles.
type Recorder interface {
	RecordCycle(ctx context.Context, report CycleReport) error
}

// Publisher fans cycle events out to live subscribers.
type Publisher interface {
	Publish(eventType string, data any)
}

// Event types emitted to the Publisher.
const (
	EventCycleStarted       = "cycle.started"
	EventCycleFinished      = "cycle.finished"
	EventRepaymentProcessed = "repayment.processed"
	EventRepaymentSkipped   = "repayment.skipped"
)

// CycleReport summarises one cycle.
type CycleReport struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	TotalVaults uint64
	Candidates  int
	Decisions   []Decision
	Results     []SubmitResult
	Err         error
}

// Eligible counts decisions that cleared the health check.
func (r CycleReport) Eligible() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Eligible {
			n++
		}
	}
	return n
}

// Count returns how many submit results ended with o.
func (r CycleReport) Count(o Outcome) int {
	return countOutcome(r.Results, o)
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(k *Keeper) { k.metrics = m }
}

// WithRecorder persists every finished cycle.
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) { k.recorder = r }
}

// WithPublisher streams cycle events.
func WithPublisher(p Publisher) Option {
	return func(k *Keeper) { k.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// WithSleep overrides the pacing sleep between submissions.
func WithSleep(fn SleepFunc) Option {
	return func(k *Keeper) { k.sleep = fn }
}

// Keeper owns the cycle state and the three phases.
type Keeper struct {
	state     *State
	scanner   *Scanner
	validator *Validator
	submitter *Submitter

	logger    *slog.Logger
	metrics   *Metrics
	recorder  Recorder
	publisher Publisher
	now       func() time.Time
	sleep     SleepFunc
}

// New wires a keeper over the ledger ports and the price oracle.
func New(reader ledger.Reader, writer ledger.Writer, prices oracle.Valuer, cfg Config, opts ...Option) *Keeper {
	k := &Keeper{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(k)
	}
	k.state = NewState(cfg.ScanInterval)
	k.scanner = NewScanner(reader, cfg.ScanBatchSize, cfg.MinYield, k.logger, k.metrics)
	k.validator = NewValidator(prices, cfg.MinHealthFactor, cfg.ValidateConcurrency, k.logger, k.metrics)
	k.submitter = NewSubmitter(writer, cfg.GasLimit, cfg.SubmitPause, cfg.ProcessBatchSize, k.logger, k.metrics)
	if k.sleep != nil {
		k.submitter.sleep = k.sleep
	}
	return k
}

// Close releases the worker pools.
func (k *Keeper) Close() {
	k.scanner.Close()
	k.validator.Close()
}

// Status reports the cycle state without any I/O.
func (k *Keeper) Status(now time.Time) Status {
	return k.state.Status(now)
}

// RunCycle executes one Enumerate, Filter, Validate, Submit pass. It returns
// apperr.ErrCycleInFlight without doing anything if another cycle holds the state.
func (k *Keeper) RunCycle(ctx context.Context) (report CycleReport, err error) {
	started := k.now()
	if !k.state.tryBegin(started) {
		k.metrics.skippedCycle()
		return CycleReport{}, apperr.ErrCycleInFlight
	}
	defer k.state.finish()

	report.StartedAt = started
	k.logger.Info("cycle: started", slog.Time("started_at", started))
	k.publish(EventCycleStarted, map[string]any{"startedAt": started})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		report.Err = err
		report.FinishedAt = k.now()
		k.complete(ctx, report)
	}()

	scan, err := k.scanner.Scan(ctx)
	if err != nil {
		return report, fmt.Errorf("scan: %w", err)
	}
	report.TotalVaults = scan.TotalVaults
	report.Candidates = len(scan.Candidates)
	k.metrics.setCandidates(report.Candidates)
	if len(scan.Candidates) == 0 {
		k.logger.Info("cycle: no candidates found")
		return report, nil
	}
	k.logger.Info("cycle: yield-ready candidates found", slog.Int("candidates", len(scan.Candidates)))

	k.state.advance(PhaseValidating)
	report.Decisions = k.validator.Validate(ctx, scan.Candidates)
	for _, d := range report.Decisions {
		if !d.Eligible {
			k.publish(EventRepaymentSkipped, map[string]any{
				"owner":  d.Candidate.Owner.Hex(),
				"reason": string(d.Reason),
			})
		}
	}

	k.state.advance(PhaseSubmitting)
	report.Results = k.submitter.SubmitAll(ctx, report.Decisions)
	for _, r := range report.Results {
		k.publishResult(r)
	}
	return report, nil
}

func (k *Keeper) complete(ctx context.Context, report CycleReport) {
	took := report.FinishedAt.Sub(report.StartedAt)
	result := "ok"
	if report.Err != nil {
		result = "error"
		k.logger.Error("cycle: failed", slog.String("error", report.Err.Error()))
	}
	k.metrics.observeCycle(result, took)

	summary := map[string]any{
		"startedAt":   report.StartedAt,
		"finishedAt":  report.FinishedAt,
		"totalVaults": report.TotalVaults,
		"candidates":  report.Candidates,
		"eligible":    report.Eligible(),
		"processed":   report.Count(OutcomeSubmitted),
		"skipped":     report.Count(OutcomeSimulationRejected) + report.Count(OutcomeDeferred),
		"failed":      report.Count(OutcomeFailed) + report.Count(OutcomeReverted),
	}
	if report.Err != nil {
		summary["error"] = report.Err.Error()
	}
	k.logger.Info("cycle: complete",
		slog.Duration("took", took),
		slog.Int("candidates", report.Candidates),
		slog.Int("eligible", report.Eligible()),
		slog.Int("processed", report.Count(OutcomeSubmitted)),
		slog.Int("skipped_low_health", report.Candidates-report.Eligible()))
	k.publish(EventCycleFinished, summary)

	if k.recorder != nil {
		// The cycle context may already be cancelled during shutdown.
		if err := k.recorder.RecordCycle(context.WithoutCancel(ctx), report); err != nil {
			k.logger.Warn("cycle: record failed", slog.String("error", err.Error()))
		}
	}
}

func (k *Keeper) publishResult(r SubmitResult) {
	data := map[string]any{
		"owner":   r.Owner.Hex(),
		"outcome": string(r.Outcome),
	}
	if r.HealthFactor != nil {
		data["healthFactor"] = r.HealthFactor.String()
	}
	if r.Outcome != OutcomeSubmitted {
		data["reason"] = r.Reason
		k.publish(EventRepaymentSkipped, data)
		return
	}
	if r.Receipt != nil {
		data["txHash"] = r.Receipt.TxHash.Hex()
		data["gasUsed"] = r.Receipt.GasUsed
		if ev := r.Receipt.Event; ev != nil {
			data["yieldUsed"] = orZero(ev.YieldUsed).String()
			data["debtReduced"] = orZero(ev.DebtReduced).String()
		}
	}
	k.publish(EventRepaymentProcessed, data)
}

func (k *Keeper) publish(eventType string, data any) {
	if k.publisher != nil {
		k.publisher.Publish(eventType, data)
	}
}
