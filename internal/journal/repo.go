package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/keeper"
)

// OutcomeIneligible marks candidates dropped by the health check. They never
// reach the submitter, so keeper has no Outcome for them.
const OutcomeIneligible = "ineligible"

// CycleRow is one row of the cycles table.
type CycleRow struct {
	ID          int64
	StartedAt   time.Time
	FinishedAt  time.Time
	TotalVaults uint64
	Candidates  int
	Eligible    int
	Submitted   int
	Skipped     int
	Failed      int
	Error       string
}

// RepaymentRow is one per-vault entry of a cycle.
type RepaymentRow struct {
	CycleID      int64
	Owner        string
	Outcome      string
	HealthFactor string
	TxHash       string
	GasUsed      uint64
	YieldUsed    string
	DebtReduced  string
	Reason       string
	CreatedAt    time.Time
}

// RecordCycle writes the cycle summary and its per-vault outcomes in one transaction.
func (db *DB) RecordCycle(ctx context.Context, report keeper.CycleReport) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	row := summarize(report)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cycles (started_at, finished_at, total_vaults, candidates, eligible, submitted, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.StartedAt, row.FinishedAt, row.TotalVaults, row.Candidates, row.Eligible,
		row.Submitted, row.Skipped, row.Failed, row.Error)
	if err != nil {
		return fmt.Errorf("journal: insert cycle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("journal: cycle id: %w", err)
	}

	entries := repaymentRows(id, report)
	if len(entries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO repayments (cycle_id, owner, outcome, health_factor, tx_hash, gas_used, yield_used, debt_reduced, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("journal: prepare repayment insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range entries {
			if _, err := stmt.ExecContext(ctx, r.CycleID, r.Owner, r.Outcome, r.HealthFactor, r.TxHash,
				r.GasUsed, r.YieldUsed, r.DebtReduced, r.Reason, r.CreatedAt); err != nil {
				return fmt.Errorf("journal: insert repayment: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Recent returns the latest cycles, newest first.
func (db *DB) Recent(limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT id, started_at, finished_at, total_vaults, candidates, eligible, submitted, skipped, failed, error
		FROM cycles ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var c CycleRow
		if err := rows.Scan(&c.ID, &c.StartedAt, &c.FinishedAt, &c.TotalVaults, &c.Candidates,
			&c.Eligible, &c.Submitted, &c.Skipped, &c.Failed, &c.Error); err != nil {
			return nil, fmt.Errorf("journal: scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Repayments returns the per-vault entries of one cycle in submission order.
// It returns apperr.ErrNotFound when the cycle does not exist.
func (db *DB) Repayments(cycleID int64) ([]RepaymentRow, error) {
	var id int64
	err := db.conn.QueryRow(`SELECT id FROM cycles WHERE id = ?`, cycleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %d: %w", cycleID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get cycle: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT cycle_id, owner, outcome, health_factor, tx_hash, gas_used, yield_used, debt_reduced, reason, created_at
		FROM repayments WHERE cycle_id = ? ORDER BY rowid
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("journal: list repayments: %w", err)
	}
	defer rows.Close()

	var out []RepaymentRow
	for rows.Next() {
		var r RepaymentRow
		if err := rows.Scan(&r.CycleID, &r.Owner, &r.Outcome, &r.HealthFactor, &r.TxHash,
			&r.GasUsed, &r.YieldUsed, &r.DebtReduced, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan repayment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func summarize(report keeper.CycleReport) CycleRow {
	row := CycleRow{
		StartedAt:   report.StartedAt.UTC(),
		FinishedAt:  report.FinishedAt.UTC(),
		TotalVaults: report.TotalVaults,
		Candidates:  report.Candidates,
		Eligible:    report.Eligible(),
		Submitted:   report.Count(keeper.OutcomeSubmitted),
		Skipped:     report.Count(keeper.OutcomeSimulationRejected) + report.Count(keeper.OutcomeDeferred),
		Failed:      report.Count(keeper.OutcomeFailed) + report.Count(keeper.OutcomeReverted),
	}
	if report.Err != nil {
		row.Error = report.Err.Error()
	}
	return row
}

func repaymentRows(cycleID int64, report keeper.CycleReport) []RepaymentRow {
	at := report.FinishedAt.UTC()
	var out []RepaymentRow
	for _, d := range report.Decisions {
		if d.Eligible {
			continue
		}
		out = append(out, RepaymentRow{
			CycleID:      cycleID,
			Owner:        d.Candidate.Owner.Hex(),
			Outcome:      OutcomeIneligible,
			HealthFactor: text(d.HealthFactor),
			Reason:       string(d.Reason),
			CreatedAt:    at,
		})
	}
	for _, r := range report.Results {
		entry := RepaymentRow{
			CycleID:      cycleID,
			Owner:        r.Owner.Hex(),
			Outcome:      string(r.Outcome),
			HealthFactor: text(r.HealthFactor),
			Reason:       r.Reason,
			CreatedAt:    at,
		}
		if rc := r.Receipt; rc != nil {
			entry.TxHash = rc.TxHash.Hex()
			entry.GasUsed = rc.GasUsed
			if ev := rc.Event; ev != nil {
				entry.YieldUsed = text(ev.YieldUsed)
				entry.DebtReduced = text(ev.DebtReduced)
			}
		}
		out = append(out, entry)
	}
	return out
}

func text(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
