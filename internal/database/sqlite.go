package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dedup-go/internal/database/migrations"
	"dedup-go/internal/dedup"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteIndex implements the dedup.Index interface using SQLite. One
// instance is shared read/write across all workers in a run; per-operation
// transactions plus the schema's partial unique index provide the atomic
// claim semantics, including against other processes sharing the file.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// NewSQLiteIndex opens (and if necessary migrates) the index database at
// path. path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index database: %w", err)
	}

	return &SQLiteIndex{db: db, path: path}, nil
}

// NewSQLiteIndexFromDB wraps an existing database connection. The caller is
// responsible for the connection's configuration and schema.
func NewSQLiteIndexFromDB(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// OpenConnection opens and configures a SQLite connection for concurrent
// pipeline use: WAL journal for parallel readers, a busy timeout so writer
// contention waits instead of failing, and immediate transactions so the
// claim's read-then-write cannot deadlock on lock upgrade.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty in-memory
		// database; pin the pool to one connection.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Lookup returns the original record for a hash, or nil when none exists.
func (s *SQLiteIndex) Lookup(hash string) (*dedup.OriginalRecord, error) {
	row := s.db.QueryRow(
		`SELECT hash, size, drive_name, file_path, upload_path, created_at
		 FROM files WHERE hash = ? AND is_original = 1`, hash)

	var rec dedup.OriginalRecord
	var uploadPath sql.NullString
	err := row.Scan(&rec.Hash, &rec.Size, &rec.DriveName, &rec.FilePath, &uploadPath, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("looking up hash: %w", err)
	}
	rec.UploadPath = uploadPath.String
	return &rec, nil
}

// ClaimOriginal atomically designates this occurrence as the original for
// hash, unless one already exists. The whole read-then-insert runs in a
// single write transaction; the partial unique index on
// files(hash) WHERE is_original backstops the invariant regardless.
func (s *SQLiteIndex) ClaimOriginal(hash string, size int64, driveName, filePath, uploadPath string) (dedup.ClaimResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return dedup.ClaimResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRow(
		`SELECT upload_path FROM files WHERE hash = ? AND is_original = 1`, hash,
	).Scan(&existing)
	if err == nil {
		return dedup.ClaimResult{Claimed: false, ExistingUploadPath: existing.String}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return dedup.ClaimResult{}, fmt.Errorf("checking for existing original: %w", err)
	}

	// The occurrence may already be present as a non-original row (recorded
	// by an earlier scan while no original existed); promote it in place.
	_, err = tx.Exec(
		`INSERT INTO files (hash, size, drive_name, file_path, upload_path, is_original, pointer_recorded, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?)
		 ON CONFLICT (hash, drive_name, file_path)
		 DO UPDATE SET is_original = 1, upload_path = excluded.upload_path, size = excluded.size`,
		hash, size, driveName, filePath, uploadPath, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			// Another process claimed between our read and write.
			var winner sql.NullString
			if qerr := tx.QueryRow(
				`SELECT upload_path FROM files WHERE hash = ? AND is_original = 1`, hash,
			).Scan(&winner); qerr == nil {
				return dedup.ClaimResult{Claimed: false, ExistingUploadPath: winner.String}, nil
			}
		}
		return dedup.ClaimResult{}, fmt.Errorf("claiming original: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return dedup.ClaimResult{}, fmt.Errorf("committing claim: %w", err)
	}
	return dedup.ClaimResult{Claimed: true}, nil
}

// RecordDuplicate inserts a non-original occurrence record. Idempotent per
// (hash, driveName, filePath).
func (s *SQLiteIndex) RecordDuplicate(hash string, size int64, driveName, filePath string) error {
	_, err := s.db.Exec(
		`INSERT INTO files (hash, size, drive_name, file_path, is_original, pointer_recorded, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT (hash, drive_name, file_path) DO NOTHING`,
		hash, size, driveName, filePath, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording duplicate: %w", err)
	}
	return nil
}

// MarkPointerRecorded flags a duplicate occurrence as having its pointer
// object uploaded.
func (s *SQLiteIndex) MarkPointerRecorded(hash, driveName, filePath string) error {
	res, err := s.db.Exec(
		`UPDATE files SET pointer_recorded = 1
		 WHERE hash = ? AND drive_name = ? AND file_path = ? AND is_original = 0`,
		hash, driveName, filePath)
	if err != nil {
		return fmt.Errorf("marking pointer recorded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking pointer recorded: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no duplicate record for %s:%s (hash %s)", driveName, filePath, hash)
	}
	return nil
}

// HasPointerBeenRecorded reports whether this exact occurrence has a pointer
// object on record. False for unknown occurrences and for duplicates
// recorded by scan-only runs or older index logic (the backfill trigger).
func (s *SQLiteIndex) HasPointerBeenRecorded(hash, driveName, filePath string) (bool, error) {
	var recorded bool
	err := s.db.QueryRow(
		`SELECT pointer_recorded FROM files
		 WHERE hash = ? AND drive_name = ? AND file_path = ? AND is_original = 0`,
		hash, driveName, filePath,
	).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking pointer record: %w", err)
	}
	return recorded, nil
}

// File-count cache

func countCacheKey(driveName, dirPath string) string {
	return driveName + ":" + dirPath
}

// CachedFileCount returns the saved file count for a source directory.
func (s *SQLiteIndex) CachedFileCount(driveName, dirPath string) (int64, time.Time, bool, error) {
	var count int64
	var countedAt time.Time
	err := s.db.QueryRow(
		`SELECT file_count, counted_at FROM dir_counts WHERE cache_key = ?`,
		countCacheKey(driveName, dirPath),
	).Scan(&count, &countedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("reading count cache: %w", err)
	}
	return count, countedAt, true, nil
}

// SaveFileCount stores or replaces the file count for a source directory.
// The caller's timestamp is stored as-is so TTL checks compare like clocks.
func (s *SQLiteIndex) SaveFileCount(driveName, dirPath string, count int64, countedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO dir_counts (cache_key, drive_name, dir_path, file_count, counted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key)
		 DO UPDATE SET file_count = excluded.file_count, counted_at = excluded.counted_at`,
		countCacheKey(driveName, dirPath), driveName, dirPath, count, countedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving count cache: %w", err)
	}
	return nil
}

// Run history

// CreateRun inserts a run-history row and returns its database ID.
func (s *SQLiteIndex) CreateRun(runID, operation, parameters string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO runs (run_id, operation, parameters, started_at, status)
		 VALUES (?, ?, ?, ?, 'running')`,
		runID, operation, parameters, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

// FinishRun records the end of a run with its final status.
func (s *SQLiteIndex) FinishRun(id int64, status string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteIndex) ListRuns(limit int) ([]*dedup.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, operation, parameters, started_at, finished_at, status
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*dedup.Run
	for rows.Next() {
		var r dedup.Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunID, &r.Operation, &r.Parameters, &r.StartedAt, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteIndex) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteIndex) CheckMigrations() error {
	return migrations.Verify(s.db)
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Compile-time check that SQLiteIndex implements dedup.Index
var _ dedup.Index = (*SQLiteIndex)(nil)
