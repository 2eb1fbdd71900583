package dedup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Outcome classifies what the pipeline did (or would do) with one item.
type Outcome string

const (
	OutcomeUploaded    Outcome = "uploaded"     // new content transferred
	OutcomePointed     Outcome = "pointed"      // duplicate, pointer object created
	OutcomeScanned     Outcome = "scanned"      // scan-only, new hash indexed
	OutcomeDupRecorded Outcome = "dup-recorded" // scan-only, duplicate indexed
	OutcomeSkipped     Outcome = "skipped"      // already present, nothing to do
	OutcomeWouldUpload Outcome = "would-upload" // dry-run
	OutcomeWouldPoint  Outcome = "would-point"  // dry-run
	OutcomeFailed      Outcome = "failed"
)

// errIndex marks index/storage failures, which are fatal to the run: the
// index is the correctness anchor, and proceeding without it risks double
// uploads or missed pointers.
var errIndex = errors.New("hash index failure")

func indexErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errIndex, op, err)
}

// Failure is one per-item failure, reported in the run summary.
type Failure struct {
	Path   string
	Reason string
}

// UploadSummary aggregates per-item outcomes into run totals.
type UploadSummary struct {
	mu       sync.Mutex
	Counts   map[Outcome]int64
	Failures []Failure
	// TotalEstimate is the advisory file count used for progress; it may
	// differ from the number of items actually processed.
	TotalEstimate int64
	// EstimateCached reports whether the estimate came from the count cache.
	EstimateCached bool
}

// UploadOptions configures a single upload run.
type UploadOptions struct {
	// Source is the directory tree to process.
	Source string
	// DriveName is the logical label for the source tree; it becomes the
	// top-level remote namespace.
	DriveName string
	// DriveRoot optionally scans only a subtree: relative paths are computed
	// against DriveRoot (which must contain Source) so files keep their
	// position in the logical drive layout. Empty means Source.
	DriveRoot string
	// ScanOnly builds the index without any remote transfer.
	ScanOnly bool
	// DryRun runs the full decision logic but transfers nothing and leaves
	// the index untouched.
	DryRun bool
	// Workers is the size of the worker pool. Zero means DefaultWorkers.
	Workers int
	// RefreshCount forces a fresh file count instead of the cached one.
	RefreshCount bool
	// Progress, when non-nil, is called once per processed item from worker
	// goroutines. It must be safe for concurrent use.
	Progress func(path string, outcome Outcome)
}

// DefaultWorkers favors moderate parallelism: enough to overlap hashing with
// transfers without swamping the remote store.
const DefaultWorkers = 10

// Uploader walks a source tree, hashes each file, and either transfers new
// content, emits a pointer for known content, or skips work already done.
type Uploader struct {
	index  Index
	store  RemoteStore
	logger Logger
	clock  Clock
	claims *claimSet
}

// NewUploader creates an upload pipeline over the given index and store.
// store may be nil only for scan-only or dry-run use.
func NewUploader(index Index, store RemoteStore, logger Logger, clock Clock) *Uploader {
	return &Uploader{
		index:  index,
		store:  store,
		logger: logger,
		clock:  clock,
		claims: newClaimSet(),
	}
}

// Run executes the pipeline and returns the run summary. Per-item failures
// are collected in the summary; only index failures and invalid options
// produce a non-nil error.
func (u *Uploader) Run(ctx context.Context, opts UploadOptions) (*UploadSummary, error) {
	if opts.DriveName == "" {
		return nil, fmt.Errorf("drive name is required")
	}
	source, err := filepath.Abs(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("resolving source path: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source is not a directory: %s", source)
	}

	root := source
	if opts.DriveRoot != "" {
		root, err = filepath.Abs(opts.DriveRoot)
		if err != nil {
			return nil, fmt.Errorf("resolving drive root: %w", err)
		}
		if rel, err := filepath.Rel(root, source); err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("source %s is not under drive root %s", source, root)
		}
	}
	if !opts.ScanOnly && !opts.DryRun && u.store == nil {
		return nil, fmt.Errorf("no remote store configured")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	summary := &UploadSummary{Counts: make(map[Outcome]int64)}
	total, cached, err := CountFiles(u.index, u.clock, opts.DriveName, source, opts.RefreshCount)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || isWalkErr(err) {
			u.logger.Warn("file count failed, progress estimate unavailable", "error", err)
		} else {
			return nil, indexErr("file count cache", err)
		}
	}
	summary.TotalEstimate = total
	summary.EstimateCached = cached

	u.logger.Info("upload run starting",
		"source", source, "drive", opts.DriveName,
		"scan_only", opts.ScanOnly, "dry_run", opts.DryRun,
		"workers", workers, "files", total)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	paths := make(chan string)
	var walkErr error
	go func() {
		defer close(paths)
		walkErr = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if d == nil {
					return err
				}
				// Unreadable entry: count it failed and keep walking.
				summary.record(p, OutcomeFailed, err, opts.Progress)
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			select {
			case paths <- p:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	setFatal := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range paths {
				outcome, err := u.processFile(ctx, root, p, opts)
				if err != nil && errors.Is(err, errIndex) {
					u.logger.Error("aborting run", "path", p, "error", err)
					setFatal(err)
					return
				}
				summary.record(p, outcome, err, opts.Progress)
				if err != nil {
					u.logger.Warn("file failed", "path", p, "error", err)
				} else {
					u.logger.Debug("file processed", "path", p, "outcome", string(outcome))
				}
			}
		}()
	}

	wg.Wait()

	if fatalErr != nil {
		return summary, fatalErr
	}
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return summary, fmt.Errorf("walking source tree: %w", walkErr)
	}

	u.logger.Info("upload run finished",
		"uploaded", summary.Counts[OutcomeUploaded],
		"pointed", summary.Counts[OutcomePointed],
		"skipped", summary.Counts[OutcomeSkipped],
		"failed", summary.Counts[OutcomeFailed])
	return summary, nil
}

// processFile runs the per-file decision logic. Errors wrapping errIndex are
// fatal; all other errors mark this one item failed.
func (u *Uploader) processFile(ctx context.Context, root, absPath string, opts UploadOptions) (Outcome, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("computing relative path: %w", err)
	}
	relPath := filepath.ToSlash(rel)
	remotePath := opts.DriveName + "/" + relPath

	hash, size, err := HashFile(absPath)
	if err != nil {
		return OutcomeFailed, err
	}

	for {
		original, err := u.index.Lookup(hash)
		if err != nil {
			return OutcomeFailed, indexErr("lookup", err)
		}

		if original == nil {
			winner, wait := u.claims.acquire(hash)
			if !winner {
				// Another worker is uploading this content right now. Wait
				// for it, then re-read the index: this occurrence is a
				// duplicate of whatever the winner claimed.
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return OutcomeFailed, ctx.Err()
				}
			}
			outcome, err := u.processNewContent(ctx, absPath, hash, size, relPath, remotePath, opts)
			u.claims.release(hash)
			return outcome, err
		}

		if original.DriveName == opts.DriveName && original.FilePath == relPath {
			// This occurrence IS the original record. Make sure its content
			// actually made it to the store: this completes scan-only runs
			// and resumes interrupted uploads.
			return u.ensureOriginalUploaded(ctx, absPath, size, remotePath, opts)
		}

		return u.processDuplicate(ctx, hash, size, relPath, remotePath, original, opts)
	}
}

// processNewContent handles a hash with no original on record. The caller
// holds the in-process claim for the hash.
func (u *Uploader) processNewContent(ctx context.Context, absPath, hash string, size int64, relPath, remotePath string, opts UploadOptions) (Outcome, error) {
	if opts.ScanOnly {
		res, err := u.index.ClaimOriginal(hash, size, opts.DriveName, relPath, remotePath)
		if err != nil {
			return OutcomeFailed, indexErr("claim original", err)
		}
		if !res.Claimed {
			// Raced with another process between Lookup and Claim; this
			// occurrence is a duplicate of the winner.
			return u.recordScanDuplicate(hash, size, relPath, opts)
		}
		return OutcomeScanned, nil
	}

	// Resumption: a previous interrupted run may already have put the object.
	exists, err := u.remoteExists(ctx, remotePath)
	if err != nil {
		return OutcomeFailed, err
	}

	if opts.DryRun {
		if exists {
			return OutcomeSkipped, nil
		}
		return OutcomeWouldUpload, nil
	}

	if !exists {
		if err := u.putFile(ctx, absPath, remotePath, size); err != nil {
			return OutcomeFailed, err
		}
	}

	res, err := u.index.ClaimOriginal(hash, size, opts.DriveName, relPath, remotePath)
	if err != nil {
		return OutcomeFailed, indexErr("claim original", err)
	}
	if !res.Claimed {
		// Lost the claim to a concurrent process or a prior run. The object
		// just transferred is an orphaned duplicate: content-addressed,
		// harmless, left in place. Emit a pointer to the winner instead.
		u.logger.Debug("lost original claim", "hash", hash, "winner", res.ExistingUploadPath)
		return u.emitPointer(ctx, hash, size, relPath, remotePath, res.ExistingUploadPath, opts)
	}
	if exists {
		return OutcomeSkipped, nil
	}
	return OutcomeUploaded, nil
}

// ensureOriginalUploaded is reached when the file being processed is the
// recorded original occurrence itself.
func (u *Uploader) ensureOriginalUploaded(ctx context.Context, absPath string, size int64, remotePath string, opts UploadOptions) (Outcome, error) {
	if opts.ScanOnly {
		return OutcomeSkipped, nil
	}

	exists, err := u.remoteExists(ctx, remotePath)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		return OutcomeSkipped, nil
	}
	if opts.DryRun {
		return OutcomeWouldUpload, nil
	}

	if err := u.putFile(ctx, absPath, remotePath, size); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeUploaded, nil
}

// remoteExists is the pre-transfer existence check. Dry-run may be invoked
// without a store; treat that as "nothing exists".
func (u *Uploader) remoteExists(ctx context.Context, remotePath string) (bool, error) {
	if u.store == nil {
		return false, nil
	}
	exists, err := u.store.Exists(ctx, remotePath)
	if err != nil {
		return false, fmt.Errorf("checking remote existence: %w", err)
	}
	return exists, nil
}

// processDuplicate handles an occurrence whose content already has an
// original somewhere else.
func (u *Uploader) processDuplicate(ctx context.Context, hash string, size int64, relPath, remotePath string, original *OriginalRecord, opts UploadOptions) (Outcome, error) {
	if opts.ScanOnly {
		return u.recordScanDuplicate(hash, size, relPath, opts)
	}

	recorded, err := u.index.HasPointerBeenRecorded(hash, opts.DriveName, relPath)
	if err != nil {
		return OutcomeFailed, indexErr("pointer lookup", err)
	}
	if recorded {
		return OutcomeSkipped, nil
	}

	// Either a fresh duplicate or a backfill: the occurrence may already be
	// indexed (scan-only run, or an older index that predates pointers) with
	// no pointer object ever produced. Both paths converge here.
	return u.emitPointer(ctx, hash, size, relPath, remotePath, original.UploadPath, opts)
}

// recordScanDuplicate indexes a duplicate occurrence without producing a
// pointer object (scan-only mode).
func (u *Uploader) recordScanDuplicate(hash string, size int64, relPath string, opts UploadOptions) (Outcome, error) {
	recorded, err := u.index.HasPointerBeenRecorded(hash, opts.DriveName, relPath)
	if err != nil {
		return OutcomeFailed, indexErr("pointer lookup", err)
	}
	if recorded {
		return OutcomeSkipped, nil
	}
	if err := u.index.RecordDuplicate(hash, size, opts.DriveName, relPath); err != nil {
		return OutcomeFailed, indexErr("record duplicate", err)
	}
	return OutcomeDupRecorded, nil
}

// emitPointer uploads a pointer object for a duplicate occurrence and
// records it in the index.
func (u *Uploader) emitPointer(ctx context.Context, hash string, size int64, relPath, remotePath, originalPath string, opts UploadOptions) (Outcome, error) {
	if opts.DryRun {
		return OutcomeWouldPoint, nil
	}

	data, err := EncodePointer(hash, originalPath, u.clock.Now())
	if err != nil {
		return OutcomeFailed, err
	}
	if err := u.store.Put(ctx, remotePath+PointerExt, bytes.NewReader(data), int64(len(data))); err != nil {
		return OutcomeFailed, fmt.Errorf("uploading pointer: %w", err)
	}

	if err := u.index.RecordDuplicate(hash, size, opts.DriveName, relPath); err != nil {
		return OutcomeFailed, indexErr("record duplicate", err)
	}
	if err := u.index.MarkPointerRecorded(hash, opts.DriveName, relPath); err != nil {
		return OutcomeFailed, indexErr("mark pointer recorded", err)
	}
	return OutcomePointed, nil
}

// putFile streams a local file to the remote store.
func (u *Uploader) putFile(ctx context.Context, localPath, remotePath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file for upload: %w", err)
	}
	defer f.Close()

	if err := u.store.Put(ctx, remotePath, f, size); err != nil {
		return fmt.Errorf("uploading content: %w", err)
	}
	return nil
}

// record tallies one item outcome. Safe for concurrent use.
func (s *UploadSummary) record(path string, outcome Outcome, err error, progress func(string, Outcome)) {
	s.mu.Lock()
	s.Counts[outcome]++
	if outcome == OutcomeFailed {
		reason := "unknown"
		if err != nil {
			reason = err.Error()
		}
		s.Failures = append(s.Failures, Failure{Path: path, Reason: reason})
	}
	s.mu.Unlock()

	if progress != nil {
		progress(path, outcome)
	}
}

// isWalkErr reports whether err came from walking the filesystem rather than
// from the index.
func isWalkErr(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
