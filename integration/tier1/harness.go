//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness drives the claude-sync binary against a real Git remote.
//
// Layout below the test's temp dir:
//
//	remote.git   bare repository acting as origin
//	upstream/    second clone used to push changes "from elsewhere"
//	repo/        the checkout claude-sync syncs with
//	home/.claude the local configuration root
type Harness struct {
	t        *testing.T
	binary   string
	Remote   string
	Upstream string
	Repo     string
	Local    string
	config   string
}

// NewHarness builds the binary and prepares an empty remote with two clones
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	base := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   filepath.Join(base, "claude-sync"),
		Remote:   filepath.Join(base, "remote.git"),
		Upstream: filepath.Join(base, "upstream"),
		Repo:     filepath.Join(base, "repo"),
		Local:    filepath.Join(base, "home", ".claude"),
		config:   filepath.Join(base, "config.yaml"),
	}

	h.buildBinary(ctx)

	h.git(ctx, base, "init", "--bare", "--initial-branch=main", h.Remote)
	h.git(ctx, base, "clone", h.Remote, h.Upstream)
	h.configureIdentity(ctx, h.Upstream)
	h.Push(ctx, "README.md", "# claude config\n", "initial commit")
	h.git(ctx, base, "clone", h.Remote, h.Repo)
	h.configureIdentity(ctx, h.Repo)

	if err := os.WriteFile(h.config, []byte("sync:\n  lock: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return h
}

func (h *Harness) buildBinary(ctx context.Context) {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		h.t.Fatalf("get project root: %v", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/claude-sync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		h.t.Fatalf("go build: %v", err)
	}
}

func (h *Harness) configureIdentity(ctx context.Context, dir string) {
	h.t.Helper()
	h.git(ctx, dir, "config", "user.email", "test@example.com")
	h.git(ctx, dir, "config", "user.name", "Test")
	h.git(ctx, dir, "config", "commit.gpgsign", "false")
}

// git runs a git command in dir and fails the test on error
func (h *Harness) git(ctx context.Context, dir string, args ...string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// Push commits a file in the upstream clone and pushes it to the remote
func (h *Harness) Push(ctx context.Context, rel, content, msg string) {
	h.t.Helper()
	path := filepath.Join(h.Upstream, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
	h.git(ctx, h.Upstream, "add", rel)
	h.git(ctx, h.Upstream, "commit", "-m", msg)
	h.git(ctx, h.Upstream, "push", "origin", "HEAD:main")
}

// CommitInRepo commits a file directly in the synced checkout without pushing
func (h *Harness) CommitInRepo(ctx context.Context, rel, content, msg string) {
	h.t.Helper()
	h.WriteFile(filepath.Join(h.Repo, rel), content, time.Now())
	h.git(ctx, h.Repo, "add", rel)
	h.git(ctx, h.Repo, "commit", "-m", msg)
}

// Run executes claude-sync with stdin and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, stdin string, args ...string) (string, string, int) {
	h.t.Helper()

	full := append([]string{
		"--config", h.config,
		"--local-root", h.Local,
		"--repo-root", h.Repo,
	}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode
}

// MustRun executes claude-sync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, stdin string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode := h.Run(ctx, stdin, args...)
	if exitCode != 0 {
		h.t.Fatalf("claude-sync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteFile writes a file and sets its modification time
func (h *Harness) WriteFile(path, content string, mtime time.Time) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		h.t.Fatalf("chtimes: %v", err)
	}
}

// ReadFile reads a file or fails the test
func (h *Harness) ReadFile(path string) string {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
