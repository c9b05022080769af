// Package testutil provides shared test helpers for setting up journals.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/yieldkeeper/internal/journal"
)

// TestJournal creates a temporary SQLite journal that is automatically cleaned up.
func TestJournal(t *testing.T) *journal.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "yieldkeeper-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := journal.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
