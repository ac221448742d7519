package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRepository is returned when the sync repository has no .git directory
var ErrNotRepository = errors.New("not a git repository")

// ErrBinaryNotFound is returned when the git executable cannot be located
var ErrBinaryNotFound = errors.New("git executable not found in PATH")

const defaultRemote = "origin"

// Client provides git operations for the tracked repository
type Client interface {
	// Pull brings the checkout in repoDir up to date with its remote
	Pull(ctx context.Context, repoDir string) error
}

// Options configures how a pull reaches the remote
type Options struct {
	Remote         string
	Branch         string
	SSHKeyFile     string
	HTTPSTokenFile string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	opts Options
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(opts Options) *ShellClient {
	return &ShellClient{opts: opts}
}

// CheckBinary verifies that the git executable is available
func (c *ShellClient) CheckBinary() error {
	if _, err := exec.LookPath("git"); err != nil {
		return ErrBinaryNotFound
	}
	return nil
}

// Pull runs a fast-forward only pull in repoDir
func (c *ShellClient) Pull(ctx context.Context, repoDir string) error {
	if err := ensureRepository(repoDir); err != nil {
		return err
	}

	args := []string{"git", "-C", repoDir, "pull", "--ff-only"}
	if c.opts.Remote != "" {
		args = append(args, c.opts.Remote)
		if c.opts.Branch != "" {
			args = append(args, c.opts.Branch)
		}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	url, err := c.remoteURL(ctx, repoDir)
	if err != nil {
		return err
	}
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// remoteURL resolves the URL of the remote used for the pull, or "" if none is configured
func (c *ShellClient) remoteURL(ctx context.Context, repoDir string) (string, error) {
	remote := c.opts.Remote
	if remote == "" {
		remote = c.upstreamRemote(ctx, repoDir)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "remote", "get-url", remote)
	output, err := cmd.Output()
	if err != nil {
		if c.opts.Remote != "" {
			return "", fmt.Errorf("git remote %q not found: %w", c.opts.Remote, err)
		}
		return "", nil
	}
	return strings.TrimSpace(string(output)), nil
}

// upstreamRemote names the remote a bare `git pull` fetches from: the one
// tracked by the current branch, or origin when HEAD is detached or untracked.
func (c *ShellClient) upstreamRemote(ctx context.Context, repoDir string) string {
	out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "symbolic-ref", "--quiet", "--short", "HEAD").Output()
	if err != nil {
		return defaultRemote
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return defaultRemote
	}

	out, err = exec.CommandContext(ctx, "git", "-C", repoDir, "config", "--get", "branch."+branch+".remote").Output()
	if err != nil {
		return defaultRemote
	}
	if remote := strings.TrimSpace(string(out)); remote != "" {
		return remote
	}
	return defaultRemote
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// Never block on an interactive credential prompt
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.opts.SSHKeyFile != "" && isSSH(url) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.opts.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.opts.HTTPSTokenFile != "" && isHTTPS(url) {
		token, err := readToken(c.opts.HTTPSTokenFile)
		if err != nil {
			return err
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it.
		cmd.Env = append(cmd.Env, "CLAUDE_SYNC_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$CLAUDE_SYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func ensureRepository(repoDir string) error {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		return fmt.Errorf("%w: %s", ErrNotRepository, repoDir)
	}
	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

func isHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

func isSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
