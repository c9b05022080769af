package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/starford/yieldkeeper/internal/ledger"
)

// Candidate is a vault that passed the cheap filters in the current cycle.
type Candidate struct {
	Owner           common.Address
	Collateral      *big.Int
	Debt            *big.Int
	PendingYield    *big.Int
	CollateralAsset common.Address
}

// ScanResult is the output of the enumeration phase.
type ScanResult struct {
	TotalVaults uint64
	MinYield    *big.Int
	Candidates  []Candidate
}

// Scanner enumerates the vault registry page by page and applies Eligible.
type Scanner struct {
	reader   ledger.Reader
	pageSize uint64
	minYield *big.Int
	pool     pond.Pool
	logger   *slog.Logger
	metrics  *Metrics
}

// NewScanner returns a scanner reading pageSize owners at a time. A nil or
// zero minYield means the threshold is read from the ledger each cycle.
func NewScanner(reader ledger.Reader, pageSize int, minYield *big.Int, logger *slog.Logger, metrics *Metrics) *Scanner {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Scanner{
		reader:   reader,
		pageSize: uint64(pageSize),
		minYield: minYield,
		// One worker per owner in a page; in-flight reads never exceed a page.
		pool:    pond.NewPool(pageSize),
		logger:  logger,
		metrics: metrics,
	}
}

// Close stops the worker pool.
func (s *Scanner) Close() {
	s.pool.StopAndWait()
}

// Scan walks every owner and returns candidates in discovery order.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	total, err := s.reader.TotalVaults(ctx)
	if err != nil {
		s.metrics.rpcError("total_vaults")
		return ScanResult{}, fmt.Errorf("read total vaults: %w", err)
	}
	res := ScanResult{TotalVaults: total}
	if total == 0 {
		s.logger.Info("scan: no vaults exist yet")
		return res, nil
	}

	minYield, err := s.threshold(ctx)
	if err != nil {
		return ScanResult{}, err
	}
	res.MinYield = minYield

	s.logger.Info("scan: started",
		slog.Uint64("total_vaults", total),
		slog.Uint64("page_size", s.pageSize),
		slog.String("min_yield", minYield.String()))

	seen := make(map[common.Address]struct{}, total)
	for start := uint64(0); start < total; start += s.pageSize {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}
		count := min(s.pageSize, total-start)
		owners, err := s.reader.VaultOwners(ctx, start, count)
		if err != nil {
			s.metrics.rpcError("vault_owners")
			return ScanResult{}, fmt.Errorf("read owners [%d,%d): %w", start, start+count, err)
		}
		if uint64(len(owners)) > count {
			owners = owners[:count]
		}
		owners = unseen(owners, seen)
		res.Candidates = append(res.Candidates, s.scanPage(ctx, start, owners, minYield)...)
	}

	s.logger.Info("scan: finished",
		slog.Uint64("total_vaults", total),
		slog.Int("candidates", len(res.Candidates)))
	return res, nil
}

// unseen drops owners already enumerated on an earlier page, which can only
// happen if the registry shifted between page reads.
func unseen(owners []common.Address, seen map[common.Address]struct{}) []common.Address {
	out := owners[:0:0]
	for _, o := range owners {
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

func (s *Scanner) threshold(ctx context.Context) (*big.Int, error) {
	if sign(s.minYield) > 0 {
		return s.minYield, nil
	}
	v, err := s.reader.MinYieldThreshold(ctx)
	if err != nil {
		s.metrics.rpcError("min_yield_threshold")
		return nil, fmt.Errorf("read min yield threshold: %w", err)
	}
	return orZero(v), nil
}

// scanPage checks every owner of one page concurrently and joins before returning.
func (s *Scanner) scanPage(ctx context.Context, start uint64, owners []common.Address, minYield *big.Int) []Candidate {
	found := make([]*Candidate, len(owners))
	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, owner := range owners {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			found[i] = s.check(groupCtx, start+uint64(i), owner, minYield)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("scan: page join failed", slog.Uint64("start", start), slog.String("error", err.Error()))
	}

	out := make([]Candidate, 0, len(owners))
	for _, c := range found {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Scanner) check(ctx context.Context, index uint64, owner common.Address, minYield *big.Int) *Candidate {
	logger := s.logger.With(slog.Uint64("vault", index+1), slog.String("owner", owner.Hex()))

	snap, err := s.reader.VaultSnapshot(ctx, owner)
	if err != nil {
		s.metrics.rpcError("vault_snapshot")
		logger.Error("scan: read vault failed", slog.String("error", err.Error()))
		return nil
	}

	ok, reason := Eligible(snap, minYield)
	logger.Debug("scan: vault checked",
		slog.String("collateral", orZero(snap.Collateral).String()),
		slog.String("debt", orZero(snap.Debt).String()),
		slog.String("pending_yield", orZero(snap.PendingYield).String()),
		slog.Bool("active", snap.Active),
		slog.Bool("ready", snap.TimeReady))
	if !ok {
		logger.Debug("scan: skipped", slog.String("reason", string(reason)))
		return nil
	}

	asset, err := s.reader.CollateralAsset(ctx, owner)
	if err != nil {
		s.metrics.rpcError("collateral_asset")
		logger.Error("scan: read collateral asset failed", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("scan: candidate for auto-repayment", slog.String("pending_yield", snap.PendingYield.String()))
	return &Candidate{
		Owner:           owner,
		Collateral:      orZero(snap.Collateral),
		Debt:            snap.Debt,
		PendingYield:    snap.PendingYield,
		CollateralAsset: asset,
	}
}
