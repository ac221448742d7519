package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/claude-sync/internal/catalog"
)

// Reconciler computes and applies sync decisions for one category at a time
type Reconciler struct {
	logger         *slog.Logger
	fileMode       os.FileMode
	compareContent bool
}

// NewReconciler creates a reconciler writing files with fileMode.
// With compareContent, files whose timestamps differ but whose content is
// identical are treated as up to date.
func NewReconciler(logger *slog.Logger, fileMode os.FileMode, compareContent bool) *Reconciler {
	return &Reconciler{
		logger:         logger,
		fileMode:       fileMode,
		compareContent: compareContent,
	}
}

// Reconcile compares the category under localRoot and repoRoot and, unless dryRun,
// copies files so both sides match. Per-file failures are recorded in the report.
// A non-nil error means the whole category was aborted; the report is still returned.
func (r *Reconciler) Reconcile(cat catalog.Category, localRoot, repoRoot string, mode Mode, dryRun bool) (*Report, error) {
	report := &Report{Category: cat.Name, Mode: mode, DryRun: dryRun}

	// Repo-authoritative categories never flow back into the repository
	if cat.Direction == catalog.RepoToLocal {
		switch mode {
		case LocalToRepo:
			report.Skipped = true
			report.SkipReason = "repository is authoritative"
			r.logger.Debug("skipping category", "category", cat.Name, "reason", report.SkipReason)
			return report, nil
		case Bidirectional:
			report.Mode = RepoToLocal
		}
	}

	entries, err := cat.Entries(localRoot, repoRoot)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			err = fmt.Errorf("%w: %v", ErrPermission, err)
		}
		report.Err = fmt.Errorf("category %s: %w", cat.Name, err)
		return report, report.Err
	}

	for _, entry := range entries {
		report.Outcomes = append(report.Outcomes, r.plan(report.Mode, entry))
	}

	r.logger.Debug("computed decisions",
		"category", cat.Name,
		"mode", report.Mode.String(),
		"files", len(report.Outcomes),
		"pending", report.Pending())

	if dryRun {
		return report, nil
	}

	if err := r.apply(cat, localRoot, repoRoot, report); err != nil {
		report.Err = fmt.Errorf("category %s: %w", cat.Name, err)
		return report, report.Err
	}
	return report, nil
}

// plan computes the decision for a single entry without touching the filesystem
func (r *Reconciler) plan(mode Mode, entry catalog.Entry) Outcome {
	out := Outcome{File: entry.Name, Decision: DecisionNoOp}

	localInfo, local, err := stat(entry.LocalPath)
	if err != nil {
		out.Err = &FileError{File: entry.LocalPath, Op: "stat", Err: err}
		out.Detail = out.Err.Error()
		return out
	}
	repoInfo, repo, err := stat(entry.RepoPath)
	if err != nil {
		out.Err = &FileError{File: entry.RepoPath, Op: "stat", Err: err}
		out.Detail = out.Err.Error()
		return out
	}
	out.Local = local
	out.Repo = repo

	// A symlink between the two trees means there is nothing to copy
	if local.Exists && repo.Exists && os.SameFile(localInfo, repoInfo) {
		out.Decision = DecisionUpToDate
		out.Detail = "same file on both sides"
		return out
	}

	out.Decision, out.Detail = decide(mode, local, repo)

	if r.compareContent && local.Exists && repo.Exists && out.Decision.Writes() {
		if r.sameContent(local.Path, repo.Path) {
			out.Decision = DecisionUpToDate
			out.Detail = "content identical"
		}
	}

	return out
}

// decide maps existence flags and timestamps to a decision
func decide(mode Mode, local, repo FileState) (Decision, string) {
	switch mode {
	case RepoToLocal:
		switch {
		case repo.Exists && local.Exists && repo.ModTime.Equal(local.ModTime):
			return DecisionUpToDate, "timestamps match"
		case repo.Exists && local.Exists:
			return DecisionRepoToLocal, "repository is authoritative"
		case repo.Exists:
			return DecisionCreateLocally, "missing locally"
		default:
			return DecisionNoOp, "not in repository"
		}

	case LocalToRepo:
		switch {
		case local.Exists && repo.Exists && local.ModTime.Equal(repo.ModTime):
			return DecisionUpToDate, "timestamps match"
		case local.Exists && repo.Exists:
			return DecisionLocalToRepo, "local copy is authoritative"
		case local.Exists:
			return DecisionCreateInRepo, "missing in repository"
		default:
			return DecisionNoOp, "not present locally"
		}

	default:
		switch {
		case local.Exists && repo.Exists:
			switch {
			case local.ModTime.After(repo.ModTime):
				return DecisionLocalToRepo, "local is newer by " + age(local.ModTime.Sub(repo.ModTime))
			case repo.ModTime.After(local.ModTime):
				return DecisionRepoToLocal, "repository is newer by " + age(repo.ModTime.Sub(local.ModTime))
			default:
				return DecisionUpToDate, "timestamps match"
			}
		case local.Exists:
			return DecisionCreateInRepo, "missing in repository"
		case repo.Exists:
			return DecisionCreateLocally, "missing locally"
		default:
			return DecisionNoOp, "missing on both sides"
		}
	}
}

// apply executes every writing decision in order. It returns an error only
// when a destination directory is unusable, which aborts the category.
func (r *Reconciler) apply(cat catalog.Category, localRoot, repoRoot string, report *Report) error {
	prepared := make(map[string]bool, 2)

	for i := range report.Outcomes {
		out := &report.Outcomes[i]
		if out.Err != nil || !out.Decision.Writes() {
			continue
		}

		destDir := cat.LocalDir(localRoot)
		if out.Decision.ToRepo() {
			destDir = cat.RepoDir(repoRoot)
		}

		if !prepared[destDir] {
			if err := prepareDir(destDir); err != nil {
				r.logger.Error("aborting category", "category", cat.Name, "dir", destDir, "error", err)
				markAborted(report.Outcomes[i:], err)
				return err
			}
			prepared[destDir] = true
		}

		src, dst := out.Source().Path, out.Destination().Path
		if err := copyFile(src, dst, r.fileMode); err != nil {
			out.Err = err
			out.Detail = err.Error()
			r.logger.Warn("failed to sync file",
				"category", cat.Name,
				"file", out.File,
				"decision", string(out.Decision),
				"error", err)
			continue
		}

		out.Written = true
		report.Written++
		r.logger.Info("synced file",
			"category", cat.Name,
			"file", out.File,
			"decision", string(out.Decision),
			"dest", dst)
	}

	return nil
}

// markAborted records the category failure on every file that was still going to be written
func markAborted(outcomes []Outcome, err error) {
	for i := range outcomes {
		if outcomes[i].Err == nil && outcomes[i].Decision.Writes() {
			outcomes[i].Err = err
			outcomes[i].Detail = "not synced: " + err.Error()
		}
	}
}

func (r *Reconciler) sameContent(a, b string) bool {
	ha, err := fileHash(a)
	if err != nil {
		r.logger.Debug("hash failed", "file", a, "error", err)
		return false
	}
	hb, err := fileHash(b)
	if err != nil {
		r.logger.Debug("hash failed", "file", b, "error", err)
		return false
	}
	return ha == hb
}

// stat reports whether path exists as a regular file and its modification time
func stat(path string) (os.FileInfo, FileState, error) {
	state := FileState{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		if catalog.IsMissing(err) {
			return nil, state, nil
		}
		return nil, state, err
	}
	if !info.Mode().IsRegular() {
		return nil, state, errors.New("not a regular file")
	}
	state.Exists = true
	state.ModTime = info.ModTime()
	return info, state, nil
}

func age(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Minute).String()
	}
}
