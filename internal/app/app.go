package app

import (
	"context"
	"fmt"
	"os"

	"dedup-go/internal/config"
	"dedup-go/internal/database"
	"dedup-go/internal/dedup"
	"dedup-go/internal/store"
)

// App is the application layer between the CLI and the dedup pipelines.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the index lifecycle on Close.
type App struct {
	cfg     *config.Config
	index   dedup.Index
	store   dedup.RemoteStore
	logger  dedup.Logger
	run     *RunRecord
	logFile *os.File
}

// Options configures App construction beyond the config file.
type Options struct {
	// Operation identifies the CLI command being run (e.g. "upload", "download").
	Operation string
	// Parameters is a human-readable summary of the command arguments,
	// stored with the run record.
	Parameters string
	// Bucket, when non-empty, overrides the configured S3 bucket.
	Bucket string
	// Verbose mirrors log output to stderr.
	Verbose bool
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	index, err := database.NewIndexFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating index: %w", err)
	}

	st, err := store.NewStoreFromConfig(ctx, cfg.Store, opts.Bucket)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	run := NewRunRecord(opts.Operation, opts.Parameters)

	logger, logFile, err := newLogger(cfg.LogDir, run.RunID, opts.Verbose)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:     cfg,
		index:   index,
		store:   st,
		logger:  &slogAdapter{l: logger},
		run:     run,
		logFile: logFile,
	}, nil
}

// persistRun saves the run record to the index, giving it an auto-increment ID.
// This should only be called for commands worth keeping in the run history.
func (a *App) persistRun() error {
	if a.run.Persisted() {
		return nil // already persisted
	}
	id, err := a.index.CreateRun(a.run.RunID, a.run.Operation, a.run.Parameters)
	if err != nil {
		return fmt.Errorf("persisting run record: %w", err)
	}
	a.run.ID = id
	return nil
}

// Upload walks the source directory and uploads its files, substituting
// pointer objects for duplicate content.
func (a *App) Upload(ctx context.Context, opts dedup.UploadOptions) (*dedup.UploadSummary, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = a.cfg.Workers
	}

	uploader := dedup.NewUploader(a.index, a.store, a.logger, dedup.RealClock{})
	summary, err := uploader.Run(ctx, opts)
	if err != nil {
		a.run.Status = "error"
		return summary, err
	}
	if summary != nil && len(summary.Failures) > 0 {
		a.run.Status = "error"
	}
	return summary, nil
}

// Download fetches all objects under a remote prefix, resolving pointer
// objects back to full file content.
func (a *App) Download(ctx context.Context, opts dedup.DownloadOptions) (*dedup.DownloadSummary, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = a.cfg.Workers
	}

	downloader := dedup.NewDownloader(a.store, a.logger)
	summary, err := downloader.Run(ctx, opts)
	if err != nil {
		a.run.Status = "error"
		return summary, err
	}
	if summary != nil && len(summary.Failures) > 0 {
		a.run.Status = "error"
	}
	return summary, nil
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]*dedup.Run, error) {
	return a.index.ListRuns(limit)
}

// Close finalizes the run record and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.run.Persisted() {
		if err := a.index.FinishRun(a.run.ID, a.run.Status); err != nil {
			firstErr = fmt.Errorf("finishing run record: %w", err)
		}
	}

	if err := a.index.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("closing index: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
