package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	OutcomeDownloaded    Outcome = "downloaded"     // regular object fetched
	OutcomeResolved      Outcome = "resolved"       // pointer resolved to its original
	OutcomeWouldDownload Outcome = "would-download" // dry-run
	OutcomeWouldResolve  Outcome = "would-resolve"  // dry-run
	OutcomeUnresolvable  Outcome = "unresolvable"   // pointer could not be decoded
)

// DownloadOptions configures a single download run.
type DownloadOptions struct {
	// RemotePrefix selects the objects to download, e.g. "MyDrive/photos".
	RemotePrefix string
	// Dest is the local directory the tree is reconstructed under.
	Dest string
	// DryRun reports the resolved action per object without writing files.
	DryRun bool
	// Workers is the size of the worker pool. Zero means DefaultWorkers.
	Workers int
	// Progress, when non-nil, is called once per processed object from
	// worker goroutines. It must be safe for concurrent use.
	Progress func(path string, outcome Outcome)
}

// DownloadSummary aggregates per-object outcomes into run totals.
type DownloadSummary struct {
	mu       sync.Mutex
	Counts   map[Outcome]int64
	Failures []Failure
}

func (s *DownloadSummary) record(path string, outcome Outcome, err error, progress func(string, Outcome)) {
	s.mu.Lock()
	s.Counts[outcome]++
	if outcome == OutcomeFailed || outcome == OutcomeUnresolvable {
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

// Downloader lists a remote prefix, fetches regular objects, and resolves
// pointer objects back into full files. It never consults the hash index:
// downloads may target a store that was never indexed on this machine.
type Downloader struct {
	store  RemoteStore
	logger Logger
}

// resolveCache tracks where each referenced original's bytes already landed
// locally during one run, so N pointers to one original cost one fetch. Run
// builds a fresh cache every time; entries never outlive their destination.
type resolveCache struct {
	mu        sync.Mutex
	originals map[string]*resolveEntry
}

// resolveEntry is the populate-if-absent cell of the resolution cache. done
// is closed once the first fetch finishes; localPath/err are valid after.
type resolveEntry struct {
	done      chan struct{}
	localPath string
	err       error
}

// NewDownloader creates a download pipeline over the given store.
func NewDownloader(store RemoteStore, logger Logger) *Downloader {
	return &Downloader{
		store:  store,
		logger: logger,
	}
}

// Run executes the pipeline and returns the run summary. Per-object failures
// are collected; only listing failures and invalid options yield an error.
func (d *Downloader) Run(ctx context.Context, opts DownloadOptions) (*DownloadSummary, error) {
	if opts.Dest == "" {
		return nil, fmt.Errorf("destination is required")
	}
	dest, err := filepath.Abs(opts.Dest)
	if err != nil {
		return nil, fmt.Errorf("resolving destination: %w", err)
	}
	if !opts.DryRun {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return nil, fmt.Errorf("creating destination: %w", err)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	prefix := strings.TrimSuffix(opts.RemotePrefix, "/")

	d.logger.Info("download run starting",
		"prefix", prefix, "dest", dest,
		"dry_run", opts.DryRun, "workers", workers)

	summary := &DownloadSummary{Counts: make(map[Outcome]int64)}
	cache := &resolveCache{originals: make(map[string]*resolveEntry)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan ObjectInfo)
	var listErr error
	go func() {
		defer close(objects)
		listErr = d.store.List(ctx, prefix, func(obj ObjectInfo) error {
			// Object stores match listing prefixes as plain strings, so a
			// request for "D" can surface a sibling drive "D2". Only objects
			// under the prefix as a path segment belong to this run.
			if !withinPrefix(prefix, obj.RemotePath) {
				d.logger.Debug("ignoring object outside prefix", "path", obj.RemotePath, "prefix", prefix)
				return nil
			}
			select {
			case objects <- obj:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range objects {
				outcome, err := d.processObject(ctx, cache, prefix, dest, obj, opts)
				summary.record(obj.RemotePath, outcome, err, opts.Progress)
				if err != nil {
					d.logger.Warn("object failed", "path", obj.RemotePath, "error", err)
				} else {
					d.logger.Debug("object processed", "path", obj.RemotePath, "outcome", string(outcome))
				}
			}
		}()
	}

	wg.Wait()

	if listErr != nil && !errors.Is(listErr, context.Canceled) {
		return summary, fmt.Errorf("listing remote prefix %q: %w", prefix, listErr)
	}

	d.logger.Info("download run finished",
		"downloaded", summary.Counts[OutcomeDownloaded],
		"resolved", summary.Counts[OutcomeResolved],
		"unresolvable", summary.Counts[OutcomeUnresolvable],
		"failed", summary.Counts[OutcomeFailed])
	return summary, nil
}

// processObject classifies one listed object and fetches it. Pointer objects
// are decoded and resolved; malformed pointers are reported, never fatal.
func (d *Downloader) processObject(ctx context.Context, cache *resolveCache, prefix, dest string, obj ObjectInfo, opts DownloadOptions) (Outcome, error) {
	localRel := localRelPath(prefix, obj.RemotePath)

	if !strings.HasSuffix(obj.RemotePath, PointerExt) {
		if opts.DryRun {
			return OutcomeWouldDownload, nil
		}
		localPath := filepath.Join(dest, filepath.FromSlash(localRel))
		if err := d.fetchTo(ctx, obj.RemotePath, localPath); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDownloaded, nil
	}

	// Pointer object: fetch the (small) pointer payload and decode it.
	ptr, err := d.fetchPointer(ctx, obj.RemotePath)
	if err != nil {
		if errors.Is(err, ErrMalformedPointer) {
			return OutcomeUnresolvable, err
		}
		return OutcomeFailed, err
	}

	if opts.DryRun {
		return OutcomeWouldResolve, nil
	}

	localPath := filepath.Join(dest, filepath.FromSlash(strings.TrimSuffix(localRel, PointerExt)))
	if err := d.resolveOriginal(ctx, cache, ptr.OriginalPath, localPath); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeResolved, nil
}

// fetchPointer downloads and decodes a pointer object.
func (d *Downloader) fetchPointer(ctx context.Context, remotePath string) (*Pointer, error) {
	rc, err := d.store.Get(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("fetching pointer: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading pointer: %w", err)
	}
	return DecodePointer(data)
}

// resolveOriginal places the referenced original's content at localPath. The
// first resolver for a given original fetches it from the store; later ones
// wait and copy the already-written local file.
func (d *Downloader) resolveOriginal(ctx context.Context, cache *resolveCache, originalPath, localPath string) error {
	cache.mu.Lock()
	entry, found := cache.originals[originalPath]
	if !found {
		entry = &resolveEntry{done: make(chan struct{})}
		cache.originals[originalPath] = entry
	}
	cache.mu.Unlock()

	if !found {
		entry.err = d.fetchTo(ctx, originalPath, localPath)
		if entry.err == nil {
			entry.localPath = localPath
		}
		close(entry.done)
		if entry.err != nil {
			return fmt.Errorf("fetching original %s: %w", originalPath, entry.err)
		}
		return nil
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if entry.err != nil {
		return fmt.Errorf("original %s failed earlier in this run: %w", originalPath, entry.err)
	}
	return copyLocal(entry.localPath, localPath)
}

// fetchTo streams a remote object to localPath, writing to a temporary file
// first so an interrupted download is never mistaken for a complete one.
func (d *Downloader) fetchTo(ctx context.Context, remotePath, localPath string) error {
	rc, err := d.store.Get(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", remotePath, err)
	}
	defer rc.Close()

	return writeAtomic(localPath, rc)
}

// copyLocal duplicates a previously-downloaded file on the local filesystem.
func copyLocal(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening cached original: %w", err)
	}
	defer src.Close()

	return writeAtomic(destPath, src)
}

// writeAtomic writes r to path via a temp file + rename in the destination
// directory, creating parent directories as needed.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// withinPrefix reports whether remotePath falls under prefix treated as a
// remote directory: "D" covers "D/x" and "D" itself, never "D2/x". The
// prefix must already have any trailing slash trimmed.
func withinPrefix(prefix, remotePath string) bool {
	if prefix == "" || remotePath == prefix {
		return true
	}
	return strings.HasPrefix(remotePath, prefix+"/")
}

// localRelPath strips the listing prefix from a remote path, yielding the
// path the object takes on relative to the destination directory. The strip
// only happens at a "/" boundary; a path that merely shares leading
// characters with the prefix is returned whole.
func localRelPath(prefix, remotePath string) string {
	if prefix == "" {
		return remotePath
	}
	if remotePath == prefix {
		// The prefix named a single object, not a directory.
		return remotePath[strings.LastIndex(remotePath, "/")+1:]
	}
	if rel := strings.TrimPrefix(remotePath, prefix+"/"); rel != remotePath {
		return rel
	}
	return remotePath
}
