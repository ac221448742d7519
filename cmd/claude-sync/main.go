package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/git"
	"github.com/schaermu/claude-sync/internal/sync"
	"github.com/schaermu/claude-sync/internal/terminal"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	repoToLocal   bool
	localToRepo   bool
	bidirectional bool
	dryRun        bool
	assumeYes     bool
	noPull        bool
	localRoot     string
	repoRoot      string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "claude-sync",
		Short: "Synchronize Claude configuration between ~/.claude and a Git repository",
		Long: `claude-sync keeps the Claude configuration in your home directory and a
version-controlled repository in step.

Tracked files:
  commands/*.md   the repository is authoritative
  agents/*.md     synced both ways, the newer file wins
  CLAUDE.md       synced both ways with claude.md in the repository

Without a mode flag the sync is bidirectional: the pending changes are shown
and applied only after confirmation. The repository is updated with git pull
before every sync that may write to the local side.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runSync,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/claude-sync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync flags
	rootCmd.Flags().BoolVar(&repoToLocal, "repo-to-local", false, "copy repository files over the local configuration")
	rootCmd.Flags().BoolVar(&localToRepo, "local-to-repo", false, "copy local files into the repository")
	rootCmd.Flags().BoolVar(&bidirectional, "bidirectional", false, "sync both ways, newer file wins (default)")
	rootCmd.MarkFlagsMutuallyExclusive("repo-to-local", "local-to-repo", "bidirectional")

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "apply bidirectional changes without asking")
	rootCmd.Flags().BoolVar(&noPull, "no-pull", false, "do not run git pull before syncing")
	rootCmd.Flags().StringVar(&localRoot, "local-root", "", "local configuration directory (default ~/.claude)")
	rootCmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository checkout (default is the working directory)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "claude-sync %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	})

	return rootCmd
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mode := selectedMode()
	pull := mode != sync.LocalToRepo && !noPull && !cfg.Git.SkipPull

	// Create dependencies
	gitClient, err := newGitClient(cfg, pull)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	color := false
	if f, ok := out.(*os.File); ok {
		color = terminal.IsTerminal(f)
	}

	// Create sync engine
	engine, err := sync.NewEngine(cfg, gitClient,
		terminal.NewPrompter(cmd.InOrStdin(), out),
		sync.NewRenderer(out, color),
		logger,
		sync.Options{
			DryRun:    dryRun,
			AssumeYes: assumeYes,
			SkipPull:  !pull,
		})
	if err != nil {
		return fmt.Errorf("%w: %w", sync.ErrConfiguration, err)
	}

	// Run sync
	if _, err := engine.Run(ctx, mode); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

// selectedMode maps the mutually exclusive mode flags to a sync mode
func selectedMode() sync.Mode {
	switch {
	case repoToLocal:
		return sync.RepoToLocal
	case localToRepo:
		return sync.LocalToRepo
	default:
		return sync.Bidirectional
	}
}

// newGitClient builds the configured backend. The git binary is only required
// when a pull will actually run.
func newGitClient(cfg *config.Config, pull bool) (git.Client, error) {
	opts := git.Options{
		Remote:         cfg.Git.Remote,
		Branch:         cfg.Git.Branch,
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
	}

	switch cfg.Git.Backend {
	case config.BackendGoGit:
		return git.NewGoGitClient(opts), nil
	default:
		client := git.NewShellClient(opts)
		if pull {
			if err := client.CheckBinary(); err != nil {
				return nil, fmt.Errorf("%w: %w", sync.ErrConfiguration, err)
			}
		}
		return client, nil
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Stdout carries the preview table and the prompt, logs go to stderr
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath, "explicit", explicit)

	cfg, err := config.Load(configPath, explicit)
	if err != nil {
		return nil, err
	}

	if err := cfg.SetRoots(localRoot, repoRoot); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"local_root", cfg.Paths.LocalRoot,
		"repo_root", cfg.Paths.RepoRoot,
		"git_backend", string(cfg.Git.Backend),
		"categories", len(cfg.Categories))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
