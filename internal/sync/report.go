package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration marks a missing prerequisite detected before any sync work
	ErrConfiguration = errors.New("configuration error")
	// ErrPermission marks a destination directory that cannot be created or written
	ErrPermission = errors.New("permission error")
	// ErrPullFailed marks a failed repository update; nothing is synced after it
	ErrPullFailed = errors.New("repository update failed")
	// ErrLocked is returned when another sync holds the lock
	ErrLocked = errors.New("another sync is already running")
	// ErrIncomplete is returned after a run in which some files or categories failed
	ErrIncomplete = errors.New("sync incomplete")
)

// Mode selects which side is authoritative
type Mode int

const (
	Bidirectional Mode = iota
	RepoToLocal
	LocalToRepo
)

func (m Mode) String() string {
	switch m {
	case Bidirectional:
		return "bidirectional"
	case RepoToLocal:
		return "repo-to-local"
	case LocalToRepo:
		return "local-to-repo"
	default:
		return "unknown"
	}
}

// Decision is the action computed for one file
type Decision string

const (
	DecisionLocalToRepo   Decision = "LocalToRepo"
	DecisionRepoToLocal   Decision = "RepoToLocal"
	DecisionCreateInRepo  Decision = "CreateInRepo"
	DecisionCreateLocally Decision = "CreateLocally"
	DecisionUpToDate      Decision = "UpToDate"
	DecisionNoOp          Decision = "NoOp"
)

// Writes reports whether the decision copies a file
func (d Decision) Writes() bool {
	switch d {
	case DecisionLocalToRepo, DecisionRepoToLocal, DecisionCreateInRepo, DecisionCreateLocally:
		return true
	}
	return false
}

// ToRepo reports whether the decision writes into the repository tree
func (d Decision) ToRepo() bool {
	return d == DecisionLocalToRepo || d == DecisionCreateInRepo
}

// Indicator returns the arrow shown next to the file in reports
func (d Decision) Indicator() string {
	switch d {
	case DecisionLocalToRepo:
		return "->"
	case DecisionRepoToLocal:
		return "<-"
	case DecisionCreateInRepo:
		return "+>"
	case DecisionCreateLocally:
		return "<+"
	case DecisionUpToDate:
		return "=="
	default:
		return "--"
	}
}

// Label returns a short human-readable description of the decision
func (d Decision) Label() string {
	switch d {
	case DecisionLocalToRepo:
		return "update repo"
	case DecisionRepoToLocal:
		return "update local"
	case DecisionCreateInRepo:
		return "create in repo"
	case DecisionCreateLocally:
		return "create locally"
	case DecisionUpToDate:
		return "up to date"
	default:
		return "skip"
	}
}

// FileState describes one physical location of a tracked file
type FileState struct {
	Path    string
	Exists  bool
	ModTime time.Time
}

// Outcome is the decision and result for a single file
type Outcome struct {
	File     string
	Decision Decision
	Detail   string
	Local    FileState
	Repo     FileState
	Written  bool
	Err      error
}

// Source returns the side a writing decision copies from
func (o Outcome) Source() FileState {
	if o.Decision.ToRepo() {
		return o.Local
	}
	return o.Repo
}

// Destination returns the side a writing decision copies to
func (o Outcome) Destination() FileState {
	if o.Decision.ToRepo() {
		return o.Repo
	}
	return o.Local
}

// FileError is a per-file failure; it never aborts the rest of the category
type FileError struct {
	File string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Report is the ordered result of reconciling one category
type Report struct {
	Category   string
	Mode       Mode
	DryRun     bool
	Skipped    bool
	SkipReason string
	Outcomes   []Outcome
	Written    int
	Err        error
}

// Pending counts decisions that would write a file
func (r *Report) Pending() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Decision.Writes() && o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Result summarizes a complete run across all categories
type Result struct {
	Mode    Mode
	State   State
	Reports []*Report
}

// Written counts files written across all categories
func (r *Result) Written() int {
	n := 0
	for _, rep := range r.Reports {
		n += rep.Written
	}
	return n
}

// Failures counts failed files plus aborted categories
func (r *Result) Failures() int {
	n := 0
	for _, rep := range r.Reports {
		n += len(rep.Failed())
		if rep.Err != nil {
			n++
		}
	}
	return n
}
