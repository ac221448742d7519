package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/claude-sync/internal/catalog"
	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/terminal"
	"github.com/schaermu/claude-sync/internal/testutil"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	err    error
	called bool
	dir    string
}

func (m *mockGitClient) Pull(_ context.Context, repoDir string) error {
	m.called = true
	m.dir = repoDir
	return m.err
}

// mockPrompter implements Prompter for testing.
type mockPrompter struct {
	answer bool
	err    error
	asked  int
}

func (m *mockPrompter) Confirm(_ string) (bool, error) {
	m.asked++
	return m.answer, m.err
}

// lockedBuffer is written by the engine and by a prompter goroutine at once
type lockedBuffer struct {
	mu  stdsync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	lock := false
	return &config.Config{
		Paths: config.PathsConfig{
			LocalRoot: filepath.Join(base, "home", ".claude"),
			RepoRoot:  filepath.Join(base, "repo"),
		},
		Git:        config.GitConfig{Backend: config.BackendShell},
		Sync:       config.SyncConfig{FileMode: "0644", Lock: &lock},
		Categories: catalog.Defaults(),
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, g *mockGitClient, p *mockPrompter, opts Options) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	engine, err := NewEngine(cfg, g, p, NewRenderer(&out, false), testLogger(), opts)
	require.NoError(t, err)
	return engine, &out
}

type trees struct {
	local map[string]testutil.FileSnapshot
	repo  map[string]testutil.FileSnapshot
}

func snapshotTrees(t *testing.T, cfg *config.Config) trees {
	t.Helper()
	return trees{
		local: testutil.Snapshot(t, cfg.Paths.LocalRoot),
		repo:  testutil.Snapshot(t, cfg.Paths.RepoRoot),
	}
}

func assertUnchanged(t *testing.T, before, after trees) {
	t.Helper()
	if diff := cmp.Diff(before, after, cmp.AllowUnexported(trees{})); diff != "" {
		t.Errorf("trees changed (-before +after):\n%s", diff)
	}
}

// divergedAgent sets up agents/bar.md with a newer local copy
func divergedAgent(t *testing.T, cfg *config.Config) {
	t.Helper()
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "agents", "bar.md"), "repo-v1", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "agents", "bar.md"), "local-v2", testutil.BaseTime.Add(10*time.Second))
}

func TestRun_BidirectionalConfirmed(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	g := &mockGitClient{}
	p := &mockPrompter{answer: true}
	engine, out := newTestEngine(t, cfg, g, p, Options{})

	res, err := engine.Run(context.Background(), Bidirectional)
	require.NoError(t, err)

	assert.True(t, g.called, "pull must run before a bidirectional sync")
	assert.Equal(t, cfg.Paths.RepoRoot, g.dir)
	assert.Equal(t, 1, p.asked)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Written())

	assert.Equal(t, "local-v2", testutil.ReadFile(t, filepath.Join(cfg.Paths.LocalRoot, "agents", "bar.md")))
	assert.Equal(t, "local-v2", testutil.ReadFile(t, filepath.Join(cfg.Paths.RepoRoot, "agents", "bar.md")))

	rendered := out.String()
	assert.Contains(t, rendered, "Pending changes (bidirectional)")
	assert.Contains(t, rendered, "-> update repo")
	assert.Contains(t, rendered, "Sync results (bidirectional)")
	assert.Contains(t, rendered, "1 written, 0 up to date, 0 failed")
}

func TestRun_BidirectionalDeclined(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "commands", "verify.md"), "verify", testutil.BaseTime)
	before := snapshotTrees(t, cfg)

	p := &mockPrompter{answer: false}
	engine, out := newTestEngine(t, cfg, &mockGitClient{}, p, Options{})

	res, err := engine.Run(context.Background(), Bidirectional)
	require.NoError(t, err, "declining is a clean exit")

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, p.asked)
	assert.Zero(t, res.Written())
	assert.Contains(t, out.String(), "Sync cancelled, no files were changed.")
	assertUnchanged(t, before, snapshotTrees(t, cfg))
}

func TestRun_InterruptedAtPrompt(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	before := snapshotTrees(t, cfg)

	// Nobody ever answers on stdin
	stdin, stdinWriter := io.Pipe()
	t.Cleanup(func() {
		_ = stdinWriter.Close()
	})

	out := &lockedBuffer{}
	engine, err := NewEngine(cfg, &mockGitClient{}, terminal.NewPrompter(stdin, out), NewRenderer(out, false), testLogger(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		res    *Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, runErr = engine.Run(ctx, Bidirectional)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[y/N]")
	}, 2*time.Second, 10*time.Millisecond, "question never shown")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept waiting for an answer after the context was cancelled")
	}

	require.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, StateAborted, res.State)
	assert.Contains(t, out.String(), "Sync cancelled, no files were changed.")
	assertUnchanged(t, before, snapshotTrees(t, cfg))
}

func TestRun_StateTransitions(t *testing.T) {
	tests := []struct {
		name   string
		answer bool
		want   []string
	}{
		{name: "confirmed", answer: true, want: []string{"previewing", "confirmed", "applying", "done"}},
		{name: "declined", answer: false, want: []string{"previewing", "declined", "aborted"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			divergedAgent(t, cfg)

			logs := &lockedBuffer{}
			logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			engine, err := NewEngine(cfg, &mockGitClient{}, &mockPrompter{answer: tt.answer}, NewRenderer(&bytes.Buffer{}, false), logger, Options{})
			require.NoError(t, err)

			_, err = engine.Run(context.Background(), Bidirectional)
			require.NoError(t, err)

			var got []string
			for _, m := range regexp.MustCompile(`msg="state change" from=\w+ to=(\w+)`).FindAllStringSubmatch(logs.String(), -1) {
				got = append(got, m[1])
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_BidirectionalPromptError(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	before := snapshotTrees(t, cfg)

	p := &mockPrompter{err: errors.New("stdin closed")}
	engine, _ := newTestEngine(t, cfg, &mockGitClient{}, p, Options{})

	_, err := engine.Run(context.Background(), Bidirectional)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation")
	assertUnchanged(t, before, snapshotTrees(t, cfg))
}

func TestRun_BidirectionalUpToDate(t *testing.T) {
	cfg := testConfig(t)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "agents", "baz.md"), "same", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "agents", "baz.md"), "same", testutil.BaseTime)

	p := &mockPrompter{answer: true}
	engine, out := newTestEngine(t, cfg, &mockGitClient{}, p, Options{})

	res, err := engine.Run(context.Background(), Bidirectional)
	require.NoError(t, err)

	assert.Zero(t, p.asked, "nothing to confirm")
	assert.Equal(t, StateDone, res.State)
	assert.Contains(t, out.String(), "Everything is up to date.")
	assert.Contains(t, out.String(), "0 written, 1 up to date, 0 failed")
}

func TestRun_BidirectionalIdempotent(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "commands", "verify.md"), "verify", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "CLAUDE.md"), "global", testutil.BaseTime)

	first, _ := newTestEngine(t, cfg, &mockGitClient{}, &mockPrompter{answer: true}, Options{})
	res, err := first.Run(context.Background(), Bidirectional)
	require.NoError(t, err)
	require.Equal(t, 3, res.Written())

	p := &mockPrompter{answer: true}
	second, _ := newTestEngine(t, cfg, &mockGitClient{}, p, Options{})
	res, err = second.Run(context.Background(), Bidirectional)
	require.NoError(t, err)

	assert.Zero(t, p.asked)
	for _, rep := range res.Reports {
		for _, o := range rep.Outcomes {
			assert.Equal(t, DecisionUpToDate, o.Decision, "%s/%s", rep.Category, o.File)
		}
	}
}

func TestRun_DryRun(t *testing.T) {
	for _, mode := range []Mode{Bidirectional, RepoToLocal, LocalToRepo} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := testConfig(t)
			divergedAgent(t, cfg)
			testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "commands", "verify.md"), "verify", testutil.BaseTime)
			before := snapshotTrees(t, cfg)

			p := &mockPrompter{answer: true}
			engine, out := newTestEngine(t, cfg, &mockGitClient{}, p, Options{DryRun: true})

			res, err := engine.Run(context.Background(), mode)
			require.NoError(t, err)

			assert.Equal(t, StatePreviewed, res.State)
			assert.Zero(t, p.asked)
			assert.Contains(t, out.String(), "Pending changes ("+mode.String()+")")
			assertUnchanged(t, before, snapshotTrees(t, cfg))
		})
	}
}

func TestRun_AssumeYes(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	p := &mockPrompter{}
	engine, _ := newTestEngine(t, cfg, &mockGitClient{}, p, Options{AssumeYes: true})

	res, err := engine.Run(context.Background(), Bidirectional)
	require.NoError(t, err)

	assert.Zero(t, p.asked)
	assert.Equal(t, 1, res.Written())
}

func TestRun_PullFailure(t *testing.T) {
	for _, mode := range []Mode{Bidirectional, RepoToLocal} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := testConfig(t)
			divergedAgent(t, cfg)
			before := snapshotTrees(t, cfg)

			g := &mockGitClient{err: errors.New("network unreachable")}
			p := &mockPrompter{answer: true}
			engine, out := newTestEngine(t, cfg, g, p, Options{})

			res, err := engine.Run(context.Background(), mode)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPullFailed)
			assert.Contains(t, err.Error(), "network unreachable")

			assert.Equal(t, StateIdle, res.State)
			assert.Zero(t, p.asked)
			assert.Empty(t, out.String(), "nothing is rendered after a failed pull")
			assertUnchanged(t, before, snapshotTrees(t, cfg))
		})
	}
}

func TestRun_LocalToRepo(t *testing.T) {
	cfg := testConfig(t)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "agents", "foo.md"), "X", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "commands", "local.md"), "local command", testutil.BaseTime)

	g := &mockGitClient{}
	p := &mockPrompter{}
	engine, out := newTestEngine(t, cfg, g, p, Options{})

	res, err := engine.Run(context.Background(), LocalToRepo)
	require.NoError(t, err)

	assert.False(t, g.called, "local-to-repo does not pull")
	assert.Zero(t, p.asked, "one-directional modes are not confirmed")
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "X", testutil.ReadFile(t, filepath.Join(cfg.Paths.RepoRoot, "agents", "foo.md")))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.RepoRoot, "commands", "local.md"))
	assert.NotContains(t, out.String(), "Pending changes")
	assert.Contains(t, out.String(), "-- skipped")
}

func TestRun_RepoToLocal(t *testing.T) {
	cfg := testConfig(t)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "commands", "verify.md"), "verify", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "claude.md"), "repo global", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "CLAUDE.md"), "newer local", testutil.BaseTime.Add(time.Hour))

	g := &mockGitClient{}
	p := &mockPrompter{}
	engine, _ := newTestEngine(t, cfg, g, p, Options{})

	res, err := engine.Run(context.Background(), RepoToLocal)
	require.NoError(t, err)

	assert.True(t, g.called)
	assert.Zero(t, p.asked)
	assert.Equal(t, 2, res.Written())
	assert.Equal(t, "verify", testutil.ReadFile(t, filepath.Join(cfg.Paths.LocalRoot, "commands", "verify.md")))
	assert.Equal(t, "repo global", testutil.ReadFile(t, filepath.Join(cfg.Paths.LocalRoot, "CLAUDE.md")))
}

func TestRun_SkipPull(t *testing.T) {
	t.Run("option", func(t *testing.T) {
		cfg := testConfig(t)
		g := &mockGitClient{err: errors.New("must not be called")}
		engine, _ := newTestEngine(t, cfg, g, &mockPrompter{}, Options{SkipPull: true})

		_, err := engine.Run(context.Background(), RepoToLocal)
		require.NoError(t, err)
		assert.False(t, g.called)
	})

	t.Run("config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Git.SkipPull = true
		g := &mockGitClient{err: errors.New("must not be called")}
		engine, _ := newTestEngine(t, cfg, g, &mockPrompter{}, Options{})

		_, err := engine.Run(context.Background(), Bidirectional)
		require.NoError(t, err)
		assert.False(t, g.called)
	})
}

func TestRun_CategoryAbortContinuesOthers(t *testing.T) {
	cfg := testConfig(t)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "agents", "foo.md"), "agent", testutil.BaseTime)
	testutil.WriteFile(t, filepath.Join(cfg.Paths.LocalRoot, "CLAUDE.md"), "global", testutil.BaseTime)
	// The repo agents directory is a regular file and cannot receive writes
	testutil.WriteFile(t, filepath.Join(cfg.Paths.RepoRoot, "agents"), "blocked", testutil.BaseTime)

	engine, out := newTestEngine(t, cfg, &mockGitClient{}, &mockPrompter{answer: true}, Options{})

	res, err := engine.Run(context.Background(), Bidirectional)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncomplete)

	assert.Equal(t, StateDone, res.State)
	require.Len(t, res.Reports, 3)
	assert.ErrorIs(t, res.Reports[0].Err, ErrPermission)
	assert.NoError(t, res.Reports[2].Err)

	assert.Equal(t, "global", testutil.ReadFile(t, filepath.Join(cfg.Paths.RepoRoot, "claude.md")))
	assert.Contains(t, out.String(), "!! failed")
	assert.Contains(t, out.String(), "1 written")
}

func TestRun_LockHeld(t *testing.T) {
	cfg := testConfig(t)
	lock := true
	cfg.Sync.Lock = &lock
	divergedAgent(t, cfg)

	held := flock.New(cfg.LockFilePath())
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() {
		_ = held.Unlock()
	}()

	g := &mockGitClient{}
	engine, _ := newTestEngine(t, cfg, g, &mockPrompter{answer: true}, Options{})

	_, err = engine.Run(context.Background(), Bidirectional)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.False(t, g.called)
}

func TestRun_LockReleased(t *testing.T) {
	cfg := testConfig(t)
	lock := true
	cfg.Sync.Lock = &lock

	engine, _ := newTestEngine(t, cfg, &mockGitClient{}, &mockPrompter{}, Options{})

	for i := 0; i < 2; i++ {
		_, err := engine.Run(context.Background(), LocalToRepo)
		require.NoError(t, err, "run %d", i)
	}
	assert.FileExists(t, cfg.LockFilePath())
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig(t)
	divergedAgent(t, cfg)
	before := snapshotTrees(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &mockPrompter{answer: true}
	engine, _ := newTestEngine(t, cfg, &mockGitClient{}, p, Options{SkipPull: true})

	_, err := engine.Run(ctx, Bidirectional)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, p.asked)
	assertUnchanged(t, before, snapshotTrees(t, cfg))
}

func TestNewEngine_InvalidFileMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.FileMode = "rwx"

	_, err := NewEngine(cfg, &mockGitClient{}, &mockPrompter{}, NewRenderer(&bytes.Buffer{}, false), testLogger(), Options{})
	require.Error(t, err)
}

func TestRenderer(t *testing.T) {
	reports := []*Report{
		{Category: "agents", Mode: Bidirectional, Outcomes: []Outcome{
			{File: "a.md", Decision: DecisionCreateInRepo, Detail: "missing in repository"},
			{File: "b.md", Decision: DecisionCreateLocally, Detail: "missing locally"},
			{File: "c.md", Decision: DecisionUpToDate, Detail: "timestamps match"},
		}},
		{Category: "commands", Skipped: true, SkipReason: "repository is authoritative"},
		{Category: "config"},
		{Category: "broken", Err: errors.New("category broken: permission error")},
	}

	var out bytes.Buffer
	NewRenderer(&out, false).Render("Pending changes (bidirectional)", reports)
	rendered := out.String()

	for _, want := range []string{
		"CATEGORY", "+> create in repo", "<+ create locally", "== up to date",
		"-- skipped", "-- empty", "!! aborted", "permission error",
	} {
		assert.Contains(t, rendered, want)
	}
	assert.False(t, strings.Contains(rendered, "\x1b["), "no colors when disabled")
}
