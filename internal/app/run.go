package app

import "github.com/google/uuid"

// RunRecord tracks a CLI invocation that may mutate the index. Runs are
// created in memory with ID=0. Only index-mutating commands persist them
// (giving them an auto-increment ID from the database).
type RunRecord struct {
	ID         int64
	RunID      string
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewRunRecord creates a new in-memory run record with a fresh run ID.
func NewRunRecord(operation, parameters string) *RunRecord {
	return &RunRecord{
		RunID:      uuid.NewString(),
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this run has been saved to the database.
func (r *RunRecord) Persisted() bool {
	return r.ID != 0
}
