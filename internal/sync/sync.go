package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/git"
)

// State is the position of a run in Idle -> Previewing -> Confirmed -> Applying -> Done,
// or Previewing -> Declined -> Aborted. Dry runs stop in Previewed.
type State string

const (
	StateIdle       State = "idle"
	StatePreviewing State = "previewing"
	StateConfirmed  State = "confirmed"
	StateDeclined   State = "declined"
	StateApplying   State = "applying"
	StateDone       State = "done"
	StateAborted    State = "aborted"
	StatePreviewed  State = "previewed"
)

// Prompter asks the user for an explicit yes or no
type Prompter interface {
	Confirm(question string) (bool, error)
}

// Options tunes a single run
type Options struct {
	// DryRun renders the preview and stops
	DryRun bool
	// AssumeYes skips the confirmation prompt
	AssumeYes bool
	// SkipPull does not update the repository first
	SkipPull bool
}

// Engine orchestrates the sync process
type Engine struct {
	cfg        *config.Config
	git        git.Client
	reconciler *Reconciler
	prompter   Prompter
	renderer   *Renderer
	logger     *slog.Logger
	opts       Options
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, prompter Prompter, renderer *Renderer, logger *slog.Logger, opts Options) (*Engine, error) {
	mode, err := cfg.FileMode()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		git:        gitClient,
		reconciler: NewReconciler(logger, mode, cfg.Sync.CompareContent),
		prompter:   prompter,
		renderer:   renderer,
		logger:     logger,
		opts:       opts,
	}, nil
}

// Run executes the complete sync process.
// A declined confirmation is not an error: the result is returned with StateAborted.
func (e *Engine) Run(ctx context.Context, mode Mode) (*Result, error) {
	res := &Result{Mode: mode, State: StateIdle}

	e.logger.Info("starting sync",
		"mode", mode.String(),
		"local_root", e.cfg.Paths.LocalRoot,
		"repo_root", e.cfg.Paths.RepoRoot,
		"dry_run", e.opts.DryRun)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if e.cfg.LockEnabled() && !e.opts.DryRun {
		unlock, err := e.lock()
		if err != nil {
			return res, err
		}
		defer unlock()
	}

	// Update the repository; a stale checkout must never be synced
	if mode != LocalToRepo && !e.opts.SkipPull && !e.cfg.Git.SkipPull {
		e.logger.Info("updating repository", "dir", e.cfg.Paths.RepoRoot)
		if err := e.git.Pull(ctx, e.cfg.Paths.RepoRoot); err != nil {
			return res, fmt.Errorf("%w: %w", ErrPullFailed, err)
		}
	}

	if mode != Bidirectional {
		// One-directional modes are applied without preview
		if e.opts.DryRun {
			e.transition(res, StatePreviewed)
			res.Reports = e.reconcileAll(ctx, mode, true)
			e.renderer.Render("Pending changes ("+mode.String()+")", res.Reports)
			return res, nil
		}
		e.transition(res, StateApplying)
		res.Reports = e.reconcileAll(ctx, mode, false)
		return e.finish(res)
	}

	e.transition(res, StatePreviewing)
	preview := e.reconcileAll(ctx, mode, true)
	res.Reports = preview
	e.renderer.Render("Pending changes ("+mode.String()+")", preview)

	pending := 0
	for _, rep := range preview {
		pending += rep.Pending()
	}
	if pending == 0 {
		e.renderer.Println("Everything is up to date.")
		return e.finish(res)
	}

	if e.opts.DryRun {
		e.transition(res, StatePreviewed)
		e.logger.Info("dry-run complete, no changes applied", "pending", pending)
		return res, nil
	}

	confirmed := e.opts.AssumeYes
	if !confirmed {
		var err error
		confirmed, err = e.confirm(ctx, fmt.Sprintf("Apply %d change(s)?", pending))
		if ctx.Err() != nil {
			// Interrupted at the prompt
			e.transition(res, StateAborted)
			e.renderer.Println("")
			e.renderer.Println("Sync cancelled, no files were changed.")
			return res, ctx.Err()
		}
		if err != nil {
			return res, fmt.Errorf("failed to read confirmation: %w", err)
		}
	}
	if !confirmed {
		e.transition(res, StateDeclined)
		e.logger.Info("sync declined by user")
		e.renderer.Println("Sync cancelled, no files were changed.")
		e.transition(res, StateAborted)
		return res, nil
	}

	e.transition(res, StateConfirmed)
	e.transition(res, StateApplying)
	res.Reports = e.reconcileAll(ctx, mode, false)
	return e.finish(res)
}

// confirm asks the prompter without outliving ctx. The prompter may still be
// blocked reading input when ctx ends; its answer is then discarded.
func (e *Engine) confirm(ctx context.Context, question string) (bool, error) {
	type answer struct {
		ok  bool
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		ok, err := e.prompter.Confirm(question)
		answers <- answer{ok: ok, err: err}
	}()

	select {
	case a := <-answers:
		return a.ok, a.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) transition(res *Result, next State) {
	e.logger.Debug("state change", "from", string(res.State), "to", string(next))
	res.State = next
}

// reconcileAll runs the reconciler for every configured category.
// A failed category is recorded in its report and does not stop the others.
func (e *Engine) reconcileAll(ctx context.Context, mode Mode, dryRun bool) []*Report {
	reports := make([]*Report, 0, len(e.cfg.Categories))
	for _, cat := range e.cfg.Categories {
		if ctx.Err() != nil {
			reports = append(reports, &Report{Category: cat.Name, Mode: mode, DryRun: dryRun, Err: ctx.Err()})
			continue
		}
		report, err := e.reconciler.Reconcile(cat, e.cfg.Paths.LocalRoot, e.cfg.Paths.RepoRoot, mode, dryRun)
		if err != nil {
			e.logger.Error("category failed", "category", cat.Name, "error", err)
		}
		reports = append(reports, report)
	}
	return reports
}

// finish renders the applied result and turns failures into ErrIncomplete
func (e *Engine) finish(res *Result) (*Result, error) {
	if res.State == StateApplying {
		e.renderer.Render("Sync results ("+res.Mode.String()+")", res.Reports)
	}
	e.renderer.Summary(res)
	e.transition(res, StateDone)

	if n := res.Failures(); n > 0 {
		for _, rep := range res.Reports {
			for _, o := range rep.Failed() {
				e.logger.Error("file not synced", "category", rep.Category, "file", o.File, "error", o.Err)
			}
		}
		return res, fmt.Errorf("%w: %d failure(s)", ErrIncomplete, n)
	}

	e.logger.Info("sync completed successfully", "written", res.Written())
	return res, nil
}

// lock takes the advisory lock in the local root
func (e *Engine) lock() (func(), error) {
	if err := os.MkdirAll(e.cfg.Paths.LocalRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create %s: %v", ErrPermission, e.cfg.Paths.LocalRoot, err)
	}

	fl := flock.New(e.cfg.LockFilePath())
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock held on %s)", ErrLocked, fl.Path())
	}

	return func() {
		if err := fl.Unlock(); err != nil && !errors.Is(err, os.ErrClosed) {
			e.logger.Warn("failed to release lock", "path", fl.Path(), "error", err)
		}
	}, nil
}
