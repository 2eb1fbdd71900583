package main

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dedup-go/internal/app"
	"dedup-go/internal/config"
	"dedup-go/internal/dedup"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command, operation, parameters string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	bucket, _ := cmd.Flags().GetString("bucket")
	verbose, _ := cmd.Flags().GetBool("verbose")

	a, err := app.NewApp(cmd.Context(), cfg, app.Options{
		Operation:  operation,
		Parameters: parameters,
		Bucket:     bucket,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Deduplicating backup tool",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		if cfg.Store.Type == "s3" {
			fmt.Printf("S3 Bucket:  %s\n", cfg.Store.S3Bucket)
			fmt.Printf("S3 Region:  %s\n", cfg.Store.S3Region)
		}
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Data Dir:   %s\n", cfg.Database.DataDir)
		return nil
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload SOURCE",
	Short: "Upload a directory, deduplicating content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driveName, _ := cmd.Flags().GetString("drive-name")
		driveRoot, _ := cmd.Flags().GetString("drive-root")
		scanOnly, _ := cmd.Flags().GetBool("scan-only")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		workers, _ := cmd.Flags().GetInt("workers")
		refresh, _ := cmd.Flags().GetBool("refresh-count")

		a, err := newApp(cmd, "upload", fmt.Sprintf("source=%s drive=%s", args[0], driveName))
		if err != nil {
			return err
		}
		defer a.Close()

		progress := newProgressPrinter()
		summary, err := a.Upload(cmd.Context(), dedup.UploadOptions{
			Source:       args[0],
			DriveName:    driveName,
			DriveRoot:    driveRoot,
			ScanOnly:     scanOnly,
			DryRun:       dryRun,
			Workers:      workers,
			RefreshCount: refresh,
			Progress:     progress.update,
		})
		progress.finish()
		if summary != nil {
			printUploadSummary(summary)
		}
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		return nil
	},
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download PREFIX",
	Short: "Download a remote prefix, resolving pointers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		workers, _ := cmd.Flags().GetInt("workers")

		a, err := newApp(cmd, "download", fmt.Sprintf("prefix=%s dest=%s", args[0], dest))
		if err != nil {
			return err
		}
		defer a.Close()

		progress := newProgressPrinter()
		summary, err := a.Download(cmd.Context(), dedup.DownloadOptions{
			RemotePrefix: args[0],
			Dest:         dest,
			DryRun:       dryRun,
			Workers:      workers,
			Progress:     progress.update,
		})
		progress.finish()
		if summary != nil {
			printDownloadSummary(summary)
		}
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history", "")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				d := r.FinishedAt.Sub(r.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-8s  %s  %s\n",
				r.ID,
				r.Operation,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				duration,
				r.Parameters,
			)
		}
		return nil
	},
}

// progressPrinter writes an updating one-line counter when stdout is a
// terminal, and stays silent otherwise. update is called from worker
// goroutines.
type progressPrinter struct {
	isTerm bool
	n      atomic.Int64
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{isTerm: term.IsTerminal(int(os.Stdout.Fd()))}
}

func (p *progressPrinter) update(path string, outcome dedup.Outcome) {
	n := p.n.Add(1)
	if !p.isTerm {
		return
	}
	fmt.Printf("\r%d processed  %-14s %s\033[K", n, outcome, truncatePath(path, 60))
}

func (p *progressPrinter) finish() {
	if p.isTerm && p.n.Load() > 0 {
		fmt.Print("\r\033[K")
	}
}

func truncatePath(path string, max int) string {
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-max+3:]
}

func printUploadSummary(s *dedup.UploadSummary) {
	printCounts(s.Counts)
	printFailures(s.Failures)
}

func printDownloadSummary(s *dedup.DownloadSummary) {
	printCounts(s.Counts)
	printFailures(s.Failures)
}

func printCounts(counts map[dedup.Outcome]int64) {
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	var total int64
	for _, o := range outcomes {
		n := counts[dedup.Outcome(o)]
		total += n
		fmt.Printf("  %-16s %d\n", o+":", n)
	}
	fmt.Printf("  %-16s %d\n", "total:", total)
}

func printFailures(failures []dedup.Failure) {
	if len(failures) == 0 {
		return
	}
	fmt.Printf("\n%d failure(s):\n", len(failures))
	shown := failures
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, f := range shown {
		fmt.Printf("  %s: %s\n", f.Path, f.Reason)
	}
	if len(failures) > len(shown) {
		fmt.Printf("  ... and %d more (see log)\n", len(failures)-len(shown))
	}
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	uploadCmd.Flags().String("drive-name", "", "Logical drive name (top-level remote namespace)")
	uploadCmd.MarkFlagRequired("drive-name")
	uploadCmd.Flags().String("drive-root", "", "Compute remote paths relative to this ancestor of SOURCE")
	uploadCmd.Flags().String("bucket", "", "Override the configured S3 bucket")
	uploadCmd.Flags().Bool("scan-only", false, "Build the index without transferring anything")
	uploadCmd.Flags().Bool("dry-run", false, "Report planned actions without transferring or recording")
	uploadCmd.Flags().Int("workers", 0, "Worker pool size (0 = default)")
	uploadCmd.Flags().Bool("refresh-count", false, "Recount files instead of using the cached count")
	uploadCmd.Flags().BoolP("verbose", "v", false, "Mirror log output to stderr")

	downloadCmd.Flags().String("dest", "", "Destination directory")
	downloadCmd.MarkFlagRequired("dest")
	downloadCmd.Flags().String("bucket", "", "Override the configured S3 bucket")
	downloadCmd.Flags().Bool("dry-run", false, "Report planned actions without writing files")
	downloadCmd.Flags().Int("workers", 0, "Worker pool size (0 = default)")
	downloadCmd.Flags().BoolP("verbose", "v", false, "Mirror log output to stderr")

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyCmd.Flags().String("bucket", "", "Override the configured S3 bucket")
	historyCmd.Flags().BoolP("verbose", "v", false, "Mirror log output to stderr")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(historyCmd)
}
