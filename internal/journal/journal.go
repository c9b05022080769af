// Package journal persists finished keeper cycles in SQLite.
package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/yieldkeeper/internal/keeper"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cycles (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME NOT NULL,
	total_vaults INTEGER NOT NULL DEFAULT 0,
	candidates   INTEGER NOT NULL DEFAULT 0,
	eligible     INTEGER NOT NULL DEFAULT 0,
	submitted    INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS repayments (
	cycle_id      INTEGER NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
	owner         TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	health_factor TEXT NOT NULL DEFAULT '',
	tx_hash       TEXT NOT NULL DEFAULT '',
	gas_used      INTEGER NOT NULL DEFAULT 0,
	yield_used    TEXT NOT NULL DEFAULT '',
	debt_reduced  TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_repayments_cycle ON repayments(cycle_id);
CREATE INDEX IF NOT EXISTS idx_repayments_owner ON repayments(owner);
`

// Store is the read side served over HTTP.
type Store interface {
	Recent(limit int) ([]CycleRow, error)
	Repayments(cycleID int64) ([]RepaymentRow, error)
}

var (
	_ Store           = (*DB)(nil)
	_ keeper.Recorder = (*DB)(nil)
)

// DB wraps a sql.DB with journal operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite journal and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
