package dedup

import "time"

// OriginalRecord describes the single authoritative copy of a piece of
// content: the occurrence that triggered (or will trigger) the real upload.
type OriginalRecord struct {
	Hash       string
	Size       int64
	DriveName  string
	FilePath   string // relative to the drive root
	UploadPath string // remote path the content lives at
	CreatedAt  time.Time
}

// ClaimResult is the outcome of Index.ClaimOriginal.
// When Claimed is false, ExistingUploadPath holds the upload path of the
// original that won (either in a prior run or in a concurrent process).
type ClaimResult struct {
	Claimed            bool
	ExistingUploadPath string
}

// Index is the persistent hash index: the correctness anchor for
// deduplication. Every mutating operation must be atomic with respect to
// concurrent callers, including callers in other processes sharing the same
// database file. Any storage failure from these methods is fatal to the run.
type Index interface {
	// Lookup returns the original record for a hash, or nil if no original
	// has been claimed yet. It has no side effects.
	Lookup(hash string) (*OriginalRecord, error)

	// ClaimOriginal atomically inserts the original record for a hash if and
	// only if no original exists. This is the single synchronization point
	// that prevents two occurrences of the same new content from both
	// becoming "the original".
	ClaimOriginal(hash string, size int64, driveName, filePath, uploadPath string) (ClaimResult, error)

	// RecordDuplicate inserts a non-original occurrence record. Idempotent
	// per (hash, driveName, filePath): re-recording is a no-op.
	RecordDuplicate(hash string, size int64, driveName, filePath string) error

	// MarkPointerRecorded flags a duplicate occurrence as having its pointer
	// object in the remote store. Called only after the pointer upload
	// succeeded, so a crash in between costs one pointer re-upload, never a
	// missing pointer.
	MarkPointerRecorded(hash, driveName, filePath string) error

	// HasPointerBeenRecorded reports whether a pointer object was ever
	// produced for this exact occurrence. A false return for an existing
	// duplicate record is the backfill trigger.
	HasPointerBeenRecorded(hash, driveName, filePath string) (bool, error)

	// CachedFileCount returns the last saved file count for a source
	// directory, with the time it was counted. ok is false when no entry
	// exists.
	CachedFileCount(driveName, dirPath string) (count int64, countedAt time.Time, ok bool, err error)

	// SaveFileCount stores (or replaces) the file count for a source
	// directory. countedAt is supplied by the caller so cache freshness is
	// judged against a single clock.
	SaveFileCount(driveName, dirPath string, count int64, countedAt time.Time) error

	// CreateRun inserts a run-history row and returns its database ID.
	CreateRun(runID, operation, parameters string) (int64, error)

	// FinishRun records the end of a run with its final status.
	FinishRun(id int64, status string) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*Run, error)

	// Close closes the underlying database.
	Close() error
}

// Run is one recorded invocation of an upload or download pipeline.
type Run struct {
	ID         int64
	RunID      string
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}
