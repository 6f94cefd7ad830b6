// Command hoard is a content-addressed, deduplicating backup tool.
// It chunks files with content-defined boundaries, stores each unique
// chunk once, and records snapshots that can be extracted back into
// directory trees.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/config"
	"github.com/WKHAllen/hoard/internal/engine"
	"github.com/WKHAllen/hoard/internal/estimate"
	"github.com/WKHAllen/hoard/internal/filter"
	"github.com/WKHAllen/hoard/internal/store"
	"github.com/WKHAllen/hoard/internal/ui"
)

var version = "dev"

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// globList is a custom pflag.Value that appends to a string slice,
// preserving the order exclude globs were given on the command line.
type globList struct {
	globs *[]string
}

func (g *globList) String() string {
	if g.globs == nil {
		return ""
	}
	return fmt.Sprintf("%v", *g.globs)
}

func (g *globList) Type() string { return "glob" }

func (g *globList) Set(value string) error {
	*g.globs = append(*g.globs, value)
	return nil
}

var _ pflag.Value = (*globList)(nil)

// rootFlags are persistent across all subcommands.
type rootFlags struct {
	storePath string
	verbose   bool
	quiet     bool
	logFile   string
}

// filterFlags select and prune the backup source tree.
type filterFlags struct {
	excludes        []string
	caseInsensitive bool
	noDoubleStar    bool
}

// chunkFlags bound chunk sizes for backup and estimate.
type chunkFlags struct {
	minChunk string
	maxChunk string
}

var (
	rootOpts   rootFlags
	filterOpts filterFlags
	chunkOpts  chunkFlags

	workers     int
	compression string
	force       bool
	strict      bool
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "hoard",
	Short: "Content-addressed, deduplicating backup tool",
	Long: `hoard backs up directory trees into a content-addressed chunk store.
Files are split at content-defined boundaries, so unchanged and
duplicated data is stored exactly once across all snapshots.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			fmt.Fprintf(os.Stdout, "hoard %s\n", version)
			return nil
		}
		return cmd.Help()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup PATH...",
	Short: "Back up one or more directory trees into the store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBackup,
}

var extractCmd = &cobra.Command{
	Use:   "extract SNAPSHOT DEST",
	Short: "Extract a snapshot into a destination directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runExtract,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots in the store",
	Args:  cobra.NoArgs,
	RunE:  runSnapshots,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate PATH...",
	Short: "Predict the peak memory a backup would use",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEstimate,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim space from unreferenced chunks",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootOpts.storePath, "store", "", "chunk store directory (default XDG data dir)")
	pf.BoolVarP(&rootOpts.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&rootOpts.quiet, "quiet", "q", false, "suppress per-file output")
	pf.StringVar(&rootOpts.logFile, "log", "", "also write structured JSON logs to FILE")

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	addFilterFlags(backupCmd)
	addChunkFlags(backupCmd)
	backupCmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default NumCPU, capped at 8)")
	backupCmd.Flags().StringVar(&compression, "compression", "", "chunk compression: none, lz4, or zstd (default zstd)")
	backupCmd.Flags().BoolVar(&force, "force", false, "proceed even if the memory estimate exceeds the advisory limit")

	extractCmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default NumCPU, capped at 8)")
	extractCmd.Flags().BoolVar(&strict, "strict", false, "abort on the first missing or corrupt chunk")

	addFilterFlags(estimateCmd)
	addChunkFlags(estimateCmd)
	estimateCmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count the estimate assumes")

	rootCmd.AddCommand(backupCmd, extractCmd, snapshotsCmd, estimateCmd, gcCmd, docsCmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().VarP(&globList{globs: &filterOpts.excludes}, "exclude", "e", "exclude glob (repeatable, rsync-style)")
	cmd.Flags().BoolVar(&filterOpts.caseInsensitive, "case-insensitive", false, "match exclude globs without case")
	cmd.Flags().BoolVar(&filterOpts.noDoubleStar, "no-double-star", false, "treat ** in globs as a plain *")
}

func addChunkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chunkOpts.minChunk, "min-chunk", "", "minimum chunk size, e.g. 64K")
	cmd.Flags().StringVar(&chunkOpts.maxChunk, "max-chunk", "", "maximum chunk size, e.g. 1M")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "hoard: %v\n", err)
		os.Exit(2)
	}
}

// applyConfigDefaults fills flags the user did not set from the config
// file. Explicit flags always win.
func applyConfigDefaults(cmd *cobra.Command, cfg config.Config) {
	flags := cmd.Flags()

	if !flags.Changed("store") && cfg.Defaults.Store != nil {
		rootOpts.storePath = *cfg.Defaults.Store
	}
	if f := flags.Lookup("workers"); f != nil && !f.Changed && cfg.Defaults.Workers != nil {
		workers = *cfg.Defaults.Workers
	}
	if f := flags.Lookup("compression"); f != nil && !f.Changed && cfg.Defaults.Compression != nil {
		compression = *cfg.Defaults.Compression
	}
	if f := flags.Lookup("min-chunk"); f != nil && !f.Changed && cfg.Defaults.MinChunk != nil {
		chunkOpts.minChunk = *cfg.Defaults.MinChunk
	}
	if f := flags.Lookup("max-chunk"); f != nil && !f.Changed && cfg.Defaults.MaxChunk != nil {
		chunkOpts.maxChunk = *cfg.Defaults.MaxChunk
	}
	if f := flags.Lookup("strict"); f != nil && !f.Changed && cfg.Defaults.Strict != nil {
		strict = *cfg.Defaults.Strict
	}
	if f := flags.Lookup("case-insensitive"); f != nil && !f.Changed && cfg.Filter.CaseInsensitive != nil {
		filterOpts.caseInsensitive = *cfg.Filter.CaseInsensitive
	}
	if f := flags.Lookup("no-double-star"); f != nil && !f.Changed && cfg.Filter.NoDoubleStar != nil {
		filterOpts.noDoubleStar = *cfg.Filter.NoDoubleStar
	}
	// Config excludes sit in front of command-line ones so the command
	// line can still see its rules applied in the order given.
	if f := flags.Lookup("exclude"); f != nil && len(cfg.Filter.Excludes) > 0 {
		filterOpts.excludes = append(append([]string{}, cfg.Filter.Excludes...), filterOpts.excludes...)
	}
}

// setupLogging builds the slog logger for this invocation: a text
// handler on stderr leveled by --verbose/--quiet, optionally fanned
// out to a JSON file handler via --log.
func setupLogging() (*slog.Logger, func(), error) {
	level := slog.LevelWarn
	if rootOpts.verbose {
		level = slog.LevelDebug
	}
	if rootOpts.quiet {
		level = slog.LevelError
	}

	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	cleanup := func() {}

	if rootOpts.logFile == "" {
		return slog.New(text), cleanup, nil
	}

	f, err := os.OpenFile(rootOpts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	cleanup = func() { f.Close() } //nolint:errcheck // best-effort on shutdown

	return slog.New(ui.NewMultiHandler(text, jsonHandler)), cleanup, nil
}

func storePath() string {
	if rootOpts.storePath != "" {
		return rootOpts.storePath
	}
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "hoard-store"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "hoard", "store")
}

func chunkParams() (chunker.Params, error) {
	params := chunker.DefaultParams
	if chunkOpts.minChunk != "" {
		n, err := filter.ParseSize(chunkOpts.minChunk)
		if err != nil {
			return params, fmt.Errorf("--min-chunk: %w", err)
		}
		params.Min = int(n)
	}
	if chunkOpts.maxChunk != "" {
		n, err := filter.ParseSize(chunkOpts.maxChunk)
		if err != nil {
			return params, fmt.Errorf("--max-chunk: %w", err)
		}
		params.Max = int(n)
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func buildSelection(roots []string) (*filter.Selection, error) {
	return filter.NewSelection(roots, filterOpts.excludes, filter.Options{
		CaseInsensitive: filterOpts.caseInsensitive,
		NoDoubleStar:    filterOpts.noDoubleStar,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// effectiveWorkers mirrors the engine's default so the memory estimate
// matches the pool the run will actually use.
func effectiveWorkers() int {
	if workers > 0 {
		return workers
	}
	return min(runtime.NumCPU(), 8)
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, cfg)

	logger, cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	params, err := chunkParams()
	if err != nil {
		return err
	}

	comp := store.CompressionZstd
	if compression != "" {
		comp, err = store.ParseCompression(compression)
		if err != nil {
			return err
		}
	}

	sel, err := buildSelection(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	scan, err := estimate.PreScan(ctx, sel)
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}

	opts := engine.BackupOptions{Workers: workers, ChunkParams: params}
	est := estimate.Predict(estimate.Config{
		Workers:     effectiveWorkers(),
		ChunkParams: params,
		FileCount:   scan.FileCount,
		TotalBytes:  scan.TotalBytes,
	})
	if est.ExceedsAdvisoryLimit() {
		if !force {
			return fmt.Errorf("estimated peak memory %s exceeds the %s advisory limit; lower --workers or --max-chunk, or rerun with --force",
				ui.FormatBytes(est.Total), ui.FormatBytes(estimate.AdvisoryLimit))
		}
		logger.Warn("memory estimate exceeds advisory limit",
			"estimated", ui.FormatBytes(est.Total),
			"limit", ui.FormatBytes(estimate.AdvisoryLimit))
	}

	st, err := store.Open(storePath(), store.Options{Compression: comp})
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // read-only at this point

	runner := engine.NewRunner(st, logger)
	op, err := runner.StartBackup(ctx, sel, opts)
	if err != nil {
		return err
	}
	op.Collector().SetTotals(scan.FileCount, scan.TotalBytes)

	return watch(op)
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, cfg)

	logger, cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	snapshotID, dest := args[0], args[1]

	st, err := store.Open(storePath(), store.Options{})
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // read-only at this point

	ctx, stop := signalContext()
	defer stop()

	mode := engine.Lenient
	if strict {
		mode = engine.Strict
	}

	runner := engine.NewRunner(st, logger)
	op, err := runner.StartExtract(ctx, snapshotID, dest, engine.ExtractOptions{
		Workers: workers,
		Mode:    mode,
	})
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return fmt.Errorf("snapshot %s not found (run `hoard snapshots` to list)", snapshotID)
		}
		return err
	}

	return watch(op)
}

// watch runs the presenter over the operation's event stream, waits
// for the terminal state, and maps it to an exit code: 0 for clean
// success, 1 when some files failed, 2 on fatal error, 130 on
// cancellation.
func watch(op *engine.Operation) error {
	presenter := &ui.Presenter{
		W:       os.Stdout,
		ErrW:    os.Stderr,
		Stats:   op.Collector(),
		Quiet:   rootOpts.quiet,
		Verbose: rootOpts.verbose,
	}
	if err := presenter.Run(op.Subscribe()); err != nil {
		return err
	}

	err := op.Wait(context.Background())
	if !rootOpts.quiet {
		fmt.Fprintln(os.Stderr, presenter.Summary())
	}

	switch {
	case errors.Is(err, engine.ErrCancelled):
		fmt.Fprintln(os.Stderr, "hoard: cancelled")
		return exitError{code: 130}
	case err != nil:
		fmt.Fprintf(os.Stderr, "hoard: %v\n", err)
		return exitError{code: 2}
	}

	if id := op.SnapshotID(); id != "" && !rootOpts.quiet {
		fmt.Fprintf(os.Stdout, "snapshot: %s\n", id)
	}
	if op.Stats().FilesFailed > 0 {
		return exitError{code: 1}
	}
	return nil
}

func runSnapshots(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, cfg)

	st, err := store.Open(storePath(), store.Options{})
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // read-only at this point

	snaps, err := st.Snapshots()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-19s  %10s  %10s\n", "ID", "CREATED", "FILES", "SIZE")
	for _, s := range snaps {
		fmt.Fprintf(os.Stdout, "%-36s  %-19s  %10s  %10s\n",
			s.ID,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			ui.FormatCount(s.FileCount),
			ui.FormatBytes(s.TotalBytes),
		)
	}

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nstore: %s chunks, %s unique data, %s chunks reclaimable\n",
		ui.FormatCount(stats.Chunks), ui.FormatBytes(stats.Bytes), ui.FormatCount(stats.Reclaimable))
	return nil
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, cfg)

	params, err := chunkParams()
	if err != nil {
		return err
	}

	sel, err := buildSelection(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	scan, err := estimate.PreScan(ctx, sel)
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}

	est := estimate.Predict(estimate.Config{
		Workers:     effectiveWorkers(),
		ChunkParams: params,
		FileCount:   scan.FileCount,
		TotalBytes:  scan.TotalBytes,
	})

	fmt.Fprintf(os.Stdout, "source:  %s files, %s dirs, %s (%s skipped)\n",
		ui.FormatCount(scan.FileCount), ui.FormatCount(scan.DirCount),
		ui.FormatBytes(scan.TotalBytes), ui.FormatCount(scan.Skipped))
	fmt.Fprintf(os.Stdout, "memory:  %s total (%s chunk buffers + %s index for %s expected chunks)\n",
		ui.FormatBytes(est.Total), ui.FormatBytes(est.Buffers),
		ui.FormatBytes(est.Index), ui.FormatCount(est.UniqueChunks))

	if free, err := estimate.FreeSpace(filepath.Dir(storePath())); err == nil {
		fmt.Fprintf(os.Stdout, "store:   %s free at %s\n", ui.FormatBytes(free), storePath())
	}

	if est.ExceedsAdvisoryLimit() {
		fmt.Fprintf(os.Stdout, "warning: estimate exceeds the %s advisory limit; lower --workers or --max-chunk\n",
			ui.FormatBytes(estimate.AdvisoryLimit))
	}
	return nil
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, cfg)

	st, err := store.Open(storePath(), store.Options{})
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // read-only at this point

	ctx, stop := signalContext()
	defer stop()

	result, err := st.Compact(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %s chunks (%s), swept %s temp files\n",
		ui.FormatCount(result.ChunksRemoved),
		ui.FormatBytes(result.BytesRemoved),
		ui.FormatCount(result.TmpRemoved),
	)
	return nil
}
