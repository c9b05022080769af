package api

import (
	"time"

	"github.com/starford/yieldkeeper/internal/journal"
	"github.com/starford/yieldkeeper/internal/keeper"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status" example:"ok" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// StatusResponse is the cycle state projection (aliased from the domain layer).
type StatusResponse = keeper.Status

// CycleDTO summarises one journaled cycle.
type CycleDTO struct {
	ID          int64     `json:"id" example:"12" validate:"required"`
	StartedAt   time.Time `json:"startedAt" validate:"required"`
	FinishedAt  time.Time `json:"finishedAt" validate:"required"`
	DurationMs  int64     `json:"durationMs" example:"5120"`
	TotalVaults uint64    `json:"totalVaults" example:"240"`
	Candidates  int       `json:"candidates" example:"9"`
	Eligible    int       `json:"eligible" example:"7"`
	Submitted   int       `json:"submitted" example:"6"`
	Skipped     int       `json:"skipped" example:"1"`
	Failed      int       `json:"failed" example:"0"`
	Error       string    `json:"error,omitempty"`
}

// CycleListResponse wraps recent cycles, newest first.
type CycleListResponse struct {
	Cycles []CycleDTO `json:"cycles" validate:"required"`
}

// RepaymentDTO is one per-vault outcome within a cycle.
type RepaymentDTO struct {
	Owner        string `json:"owner" example:"0x5aF3...c1D2" validate:"required"`
	Outcome      string `json:"outcome" example:"submitted" validate:"required"`
	HealthFactor string `json:"healthFactor,omitempty" example:"300"`
	TxHash       string `json:"txHash,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty" example:"91000"`
	YieldUsed    string `json:"yieldUsed,omitempty" example:"2000000000000000"`
	DebtReduced  string `json:"debtReduced,omitempty" example:"6000000"`
	Reason       string `json:"reason,omitempty" example:"health factor below threshold"`
}

// RepaymentListResponse wraps the outcomes of one cycle.
type RepaymentListResponse struct {
	CycleID    int64          `json:"cycleId" example:"12" validate:"required"`
	Repayments []RepaymentDTO `json:"repayments" validate:"required"`
}

func cycleDTO(c journal.CycleRow) CycleDTO {
	return CycleDTO{
		ID:          c.ID,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
		DurationMs:  c.FinishedAt.Sub(c.StartedAt).Milliseconds(),
		TotalVaults: c.TotalVaults,
		Candidates:  c.Candidates,
		Eligible:    c.Eligible,
		Submitted:   c.Submitted,
		Skipped:     c.Skipped,
		Failed:      c.Failed,
		Error:       c.Error,
	}
}

func repaymentDTO(r journal.RepaymentRow) RepaymentDTO {
	return RepaymentDTO{
		Owner:        r.Owner,
		Outcome:      r.Outcome,
		HealthFactor: r.HealthFactor,
		TxHash:       r.TxHash,
		GasUsed:      r.GasUsed,
		YieldUsed:    r.YieldUsed,
		DebtReduced:  r.DebtReduced,
		Reason:       r.Reason,
	}
}
