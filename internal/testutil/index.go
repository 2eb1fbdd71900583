package testutil

import (
	"testing"

	"dedup-go/internal/database"
	"dedup-go/internal/database/migrations"
	"dedup-go/internal/dedup"
)

// NewTestIndex creates a new in-memory SQLite index with schema applied.
// The index is automatically closed when the test completes.
func NewTestIndex(t *testing.T) dedup.Index {
	t.Helper()

	db, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	index := database.NewSQLiteIndexFromDB(db)

	t.Cleanup(func() {
		index.Close()
	})

	return index
}
