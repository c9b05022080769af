package keeper

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/alitto/pond/v2"

	"github.com/starford/yieldkeeper/internal/oracle"
)

// Decision is the price-gated verdict for one candidate.
type Decision struct {
	Candidate       Candidate
	CollateralValue *big.Int
	HealthFactor    *big.Int
	Eligible        bool
	Reason          Reason
}

// Validator recomputes health from a fresh oracle quote for every candidate.
// Quotes are never cached; each Validate call reads new prices.
type Validator struct {
	prices    oracle.Valuer
	minHealth *big.Int
	pool      pond.Pool
	logger    *slog.Logger
	metrics   *Metrics
}

// NewValidator returns a validator evaluating up to concurrency candidates at once.
func NewValidator(prices oracle.Valuer, minHealthFactor uint64, concurrency int, logger *slog.Logger, metrics *Metrics) *Validator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Validator{
		prices:    prices,
		minHealth: new(big.Int).SetUint64(minHealthFactor),
		pool:      pond.NewPool(concurrency),
		logger:    logger,
		metrics:   metrics,
	}
}

// Close stops the worker pool.
func (v *Validator) Close() {
	v.pool.StopAndWait()
}

// Validate returns one decision per candidate, in candidate order.
func (v *Validator) Validate(ctx context.Context, candidates []Candidate) []Decision {
	decisions := make([]Decision, len(candidates))
	group := v.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, c := range candidates {
		decisions[i] = Decision{Candidate: c, Reason: ReasonPriceError}
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			decisions[i] = v.decide(groupCtx, c)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		v.logger.Warn("validate: join failed", slog.String("error", err.Error()))
	}
	return decisions
}

func (v *Validator) decide(ctx context.Context, c Candidate) Decision {
	d := Decision{Candidate: c}
	logger := v.logger.With(slog.String("owner", c.Owner.Hex()))

	// Guards the division below; Eligible already excludes these.
	if sign(c.Debt) <= 0 {
		d.Reason = ReasonNoDebt
		return d
	}

	value, err := v.prices.AssetValue(ctx, c.CollateralAsset, c.Collateral)
	if err != nil {
		v.metrics.rpcError("asset_value")
		logger.Error("validate: price lookup failed", slog.String("error", err.Error()))
		d.Reason = ReasonPriceError
		return d
	}
	d.CollateralValue = orZero(value)
	if d.CollateralValue.Sign() == 0 {
		logger.Debug("validate: zero collateral value, oracle not trusted for this asset",
			slog.String("asset", c.CollateralAsset.Hex()))
		d.Reason = ReasonZeroValue
		return d
	}

	d.HealthFactor = HealthFactor(d.CollateralValue, c.Debt)
	if d.HealthFactor.Cmp(v.minHealth) < 0 {
		logger.Info("validate: health below threshold",
			slog.String("health_factor", d.HealthFactor.String()),
			slog.String("min_health_factor", v.minHealth.String()))
		d.Reason = ReasonUnhealthy
		return d
	}

	logger.Info("validate: eligible",
		slog.String("health_factor", d.HealthFactor.String()),
		slog.String("pending_yield", orZero(c.PendingYield).String()))
	d.Eligible = true
	return d
}

// HealthFactor returns floor(value*100/debt). debt must be positive.
func HealthFactor(value, debt *big.Int) *big.Int {
	hf := new(big.Int).Mul(value, big.NewInt(100))
	return hf.Quo(hf, debt)
}
