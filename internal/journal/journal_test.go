package journal

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/keeper"
	"github.com/starford/yieldkeeper/internal/ledger"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "yieldkeeper-journal-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

func sampleReport(start time.Time) keeper.CycleReport {
	return keeper.CycleReport{
		StartedAt:   start,
		FinishedAt:  start.Add(4 * time.Second),
		TotalVaults: 3,
		Candidates:  3,
		Decisions: []keeper.Decision{
			{Candidate: keeper.Candidate{Owner: alice}, HealthFactor: big.NewInt(300), Eligible: true},
			{Candidate: keeper.Candidate{Owner: bob}, HealthFactor: big.NewInt(120), Reason: keeper.ReasonUnhealthy},
			{Candidate: keeper.Candidate{Owner: carol}, HealthFactor: big.NewInt(200), Eligible: true},
		},
		Results: []keeper.SubmitResult{
			{
				Owner:        alice,
				Outcome:      keeper.OutcomeSubmitted,
				HealthFactor: big.NewInt(300),
				Receipt: &ledger.Receipt{
					TxHash:  common.HexToHash("0xabc"),
					GasUsed: 91_000,
					Success: true,
					Event:   &ledger.RepaymentEvent{User: alice, YieldUsed: big.NewInt(5), DebtReduced: big.NewInt(15)},
				},
			},
			{Owner: carol, Outcome: keeper.OutcomeSimulationRejected, HealthFactor: big.NewInt(200), Reason: "Not ready"},
		},
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM cycles`).Scan(&count); err != nil {
		t.Fatalf("cycles table missing: %v", err)
	}
	if err := db.conn.QueryRow(`SELECT count(*) FROM repayments`).Scan(&count); err != nil {
		t.Fatalf("repayments table missing: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db := testDB(t)
	start := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

	if err := db.RecordCycle(context.Background(), sampleReport(start)); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}
	failed := keeper.CycleReport{StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour), Err: errors.New("scan: rpc down")}
	if err := db.RecordCycle(context.Background(), failed); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	rows, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d cycles, want 2", len(rows))
	}
	if rows[0].Error != "scan: rpc down" {
		t.Errorf("newest cycle error = %q", rows[0].Error)
	}
	got := rows[1]
	if !got.StartedAt.Equal(start) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, start)
	}
	if got.TotalVaults != 3 || got.Candidates != 3 || got.Eligible != 2 || got.Submitted != 1 || got.Skipped != 1 || got.Failed != 0 {
		t.Errorf("unexpected summary %+v", got)
	}

	limited, err := db.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != rows[0].ID {
		t.Errorf("Recent(1) = %+v", limited)
	}
}

func TestRepayments(t *testing.T) {
	db := testDB(t)
	if err := db.RecordCycle(context.Background(), sampleReport(time.Now().UTC())); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}
	cycles, _ := db.Recent(1)

	rows, err := db.Repayments(cycles[0].ID)
	if err != nil {
		t.Fatalf("Repayments: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d repayments, want 3", len(rows))
	}

	if rows[0].Owner != bob.Hex() || rows[0].Outcome != OutcomeIneligible || rows[0].Reason != string(keeper.ReasonUnhealthy) {
		t.Errorf("ineligible row = %+v", rows[0])
	}
	if rows[1].Owner != alice.Hex() || rows[1].Outcome != "submitted" {
		t.Errorf("submitted row = %+v", rows[1])
	}
	if rows[1].TxHash != common.HexToHash("0xabc").Hex() || rows[1].GasUsed != 91_000 {
		t.Errorf("receipt not recorded: %+v", rows[1])
	}
	if rows[1].YieldUsed != "5" || rows[1].DebtReduced != "15" || rows[1].HealthFactor != "300" {
		t.Errorf("event amounts not recorded: %+v", rows[1])
	}
	if rows[2].Outcome != "simulation_rejected" || rows[2].Reason != "Not ready" || rows[2].TxHash != "" {
		t.Errorf("rejected row = %+v", rows[2])
	}
}

func TestRepaymentsUnknownCycle(t *testing.T) {
	db := testDB(t)
	_, err := db.Repayments(99)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
