package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/vaultsync/internal/activation"
	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/clock"
	"github.com/schaermu/vaultsync/internal/config"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/logging"
	"github.com/schaermu/vaultsync/internal/metrics"
	"github.com/schaermu/vaultsync/internal/repair"
	"github.com/schaermu/vaultsync/internal/sync"
	"github.com/schaermu/vaultsync/internal/vault"
	"github.com/schaermu/vaultsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile        string
	logLevel       string
	logFormat      string
	repoPath       string
	idleThreshold  int
	interval       int
	batchSize      int
	repairOnly     bool
	nonInteractive bool
	setup          bool
	installStartup bool
)

// errExternalTooling is returned for modes that belong to the installer.
var errExternalTooling = errors.New("handled by external setup tooling, not by vaultsync")

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrFatalConfiguration):
		return 2
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultsync",
	Short: "Keep a notes vault synchronized with its Git remote",
	Long: `vaultsync watches a notes vault that is a Git working tree, waits until
editing has gone quiet, and then pulls remote changes and pushes local ones in
bounded batches.

Run without a subcommand it starts the sync loop. Failed syncs trigger an
automatic repair (proxy cleanup, post buffer, remote link, history
reconciliation) followed by a retry with backoff.`,
	SilenceUsage: true,
	RunE:         runRoot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync loop until interrupted",
	Long: `Run starts the polling loop. It also serves the status, metrics and
GitHub webhook endpoints when serve.enabled is set, and watches the vault
for changes when watch is set.`,
	RunE: runLoop,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run the repair sequence once and exit",
	RunE:  runRepair,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local sync state of the vault",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "vaultsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vaultsync/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&repoPath, "repo", "", "vault repository path (overrides repo_path)")
	flags.IntVar(&idleThreshold, "idle-threshold", 0, "seconds without edits before syncing (overrides idle_threshold)")
	flags.IntVar(&interval, "interval", 0, "seconds between polls (overrides interval)")
	flags.IntVar(&batchSize, "batch-size", 0, "files per commit/push chunk (overrides batch_size)")

	// Root-only mode flags
	rootCmd.Flags().BoolVar(&repairOnly, "repair", false, "run the repair sequence once and exit")
	rootCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "run the sync loop without prompting")
	rootCmd.Flags().BoolVar(&nonInteractive, "silent", false, "alias for --non-interactive")
	rootCmd.Flags().BoolVar(&setup, "setup", false, "interactive first-run setup (external tooling)")
	rootCmd.Flags().BoolVar(&installStartup, "install-startup", false, "register auto-launch at login (external tooling)")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case setup:
		return fmt.Errorf("--setup: %w", errExternalTooling)
	case installStartup:
		return fmt.Errorf("--install-startup: %w", errExternalTooling)
	case repairOnly:
		return runRepair(cmd, args)
	default:
		return runLoop(cmd, args)
	}
}

// app holds the wired components for one repository.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	git      *git.ShellClient
	observer *vault.Observer
	store    *batch.Store
	uploader *batch.Uploader
	resolver *conflict.Resolver
	repairer *repair.Repairer
	metrics  *metrics.Metrics
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	clk := clock.Real{}
	fsys := afero.NewOsFs()

	gitClient := git.NewShellClient(cfg.RepoPath,
		git.WithAuth(cfg.RemoteURL, cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile))
	observer := vault.NewObserver(gitClient, fsys, cfg.RepoPath, clk)
	store := batch.NewStore(fsys, cfg.ProgressFilePath())
	uploader := batch.NewUploader(gitClient, store, clk, logger, batch.Options{
		RepoPath:  cfg.RepoPath,
		Remote:    cfg.RemoteName,
		Branch:    cfg.Branch,
		BatchSize: cfg.BatchSize,
	})
	resolver := conflict.NewResolver(gitClient, cfg.RemoteName, cfg.Branch, logger)
	repairer := repair.New(gitClient, resolver, observer, uploader, repair.Options{
		Remote:     cfg.RemoteName,
		RemoteURL:  cfg.RemoteURL,
		PostBuffer: cfg.HTTPPostBuffer,
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		git:      gitClient,
		observer: observer,
		store:    store,
		uploader: uploader,
		resolver: resolver,
		repairer: repairer,
		metrics:  metrics.New(),
	}
}

func (a *app) engine() *sync.Engine {
	return sync.NewEngine(sync.Deps{
		Observer: a.observer,
		Puller:   a.resolver,
		Uploader: a.uploader,
		Repairer: a.repairer,
		Config:   a.git,
		Clock:    clock.Real{},
		Logger:   a.logger,
		Metrics:  a.metrics,
	}, sync.Options{
		IdleThreshold: a.cfg.IdleThresholdDuration(),
		Interval:      a.cfg.IntervalDuration(),
		MaxBackoff:    a.cfg.MaxBackoffDuration(),
		LockPath:      a.cfg.LockFilePath(),
	})
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	a := newApp(cfg, logger)
	engine := a.engine()

	if cfg.Watch {
		watcher, err := vault.NewWatcher(cfg.RepoPath, engine.Nudge, time.Second, logger, cfg.StateDirPath())
		if err != nil {
			logger.Warn("file watcher unavailable, relying on polling", "error", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Warn("file watcher stopped", "error", err)
				}
			}()
		}
	}

	if cfg.Serve.Enabled {
		server, err := webhook.NewServer(cfg.Serve, engine, a.metrics.Handler(), logger)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrFatalConfiguration, err)
		}
		ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		if activated {
			logger.Info("using socket-activated listener", "addr", ln.Addr().String())
		}
		go func() {
			if err := server.Serve(ctx, ln); err != nil {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	if err := engine.Run(ctx); err != nil {
		logger.Error("sync loop failed", "error", err)
		return err
	}
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	lock, err := sync.AcquireLock(cfg.LockFilePath())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	a := newApp(cfg, logger)
	outcome := a.repairer.Repair(ctx)
	printOutcome(cmd.OutOrStdout(), outcome)

	if failed := outcome.Failed(); len(failed) > 0 {
		return fmt.Errorf("repair finished with %d failed step(s)", len(failed))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	a := newApp(cfg, logger)
	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintf(out, "repository: %s\n", cfg.RepoPath)

	running := false
	lock, err := sync.AcquireLock(cfg.LockFilePath())
	switch {
	case errors.Is(err, sync.ErrLocked):
		running = true
	case err != nil:
		return err
	default:
		_ = lock.Release()
	}
	daemon := "not running"
	if running {
		daemon = "running"
	}
	_, _ = fmt.Fprintf(out, "daemon:     %s\n", daemon)

	snap, err := a.observer.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect work tree: %w", err)
	}
	state := vault.State(snap, cfg.IdleThresholdDuration(), snap.TakenAt)
	_, _ = fmt.Fprintf(out, "work tree:  %s (%s dirty)\n", state.Kind, humanize.Comma(int64(len(snap.DirtyFiles))))
	if !snap.Clean() {
		_, _ = fmt.Fprintf(out, "last edit:  %s\n", humanize.Time(snap.LatestModification))
	}

	pending, err := a.uploader.Pending()
	if err != nil {
		return fmt.Errorf("failed to read batch progress: %w", err)
	}
	if pending == nil {
		_, _ = fmt.Fprintln(out, "batch:      none pending")
		return nil
	}
	_, _ = fmt.Fprintf(out, "batch:      %s, %d of %d chunks remaining (started %s)\n",
		pending.BatchID, pending.Remaining(), len(pending.Chunks), humanize.Time(pending.CreatedAt))
	return nil
}

func printOutcome(w io.Writer, outcome repair.Outcome) {
	for _, step := range outcome.Steps {
		if step.Detail != "" {
			_, _ = fmt.Fprintf(w, "%-18s %-8s %s\n", step.Name, step.Status, step.Detail)
		} else {
			_, _ = fmt.Fprintf(w, "%-18s %s\n", step.Name, step.Status)
		}
	}
	_, _ = fmt.Fprintf(w, "proxy cleared: %t, remote relinked: %t, histories merged: %t\n",
		outcome.ProxyCleared, outcome.RemoteRelinked, outcome.HistoriesMerged)
}

// bootstrap resolves the configuration and builds the logger.
func bootstrap() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.CheckRepository(); err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:     logLevel,
		Format:    logFormat,
		ActionLog: cfg.LogFile,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.RepoPath,
		"remote", cfg.RemoteName,
		"auth", cfg.AuthMethod(),
		"idle_threshold", cfg.IdleThreshold,
		"interval", cfg.Interval,
		"batch_size", cfg.BatchSize,
		"state_dir", cfg.StateDirPath())

	return cfg, logger, closer, nil
}

func loadConfig() (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "vaultsync", "config.yaml")
	}

	var cfg *config.Config
	_, statErr := os.Stat(os.ExpandEnv(configPath))
	switch {
	case statErr == nil:
		parsed, err := config.Parse(configPath)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	case errors.Is(statErr, os.ErrNotExist) && repoPath != "" && cfgFile == "":
		// Running from flags alone is allowed when no default file exists.
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("%w: failed to read config file: %w", config.ErrFatalConfiguration, statErr)
	}

	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies command-line overrides onto cfg.
func applyOverrides(cfg *config.Config) {
	if repoPath != "" {
		if abs, err := filepath.Abs(repoPath); err == nil {
			cfg.RepoPath = abs
		} else {
			cfg.RepoPath = repoPath
		}
	}
	if idleThreshold > 0 {
		cfg.IdleThreshold = idleThreshold
	}
	if interval > 0 {
		cfg.Interval = interval
		if cfg.MaxBackoff < interval {
			cfg.MaxBackoff = interval
		}
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
