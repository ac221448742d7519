package git

import (
	"context"
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitClient implements Client with go-git, without requiring a git executable
type GoGitClient struct {
	opts Options
}

// NewGoGitClient creates a new in-process git client
func NewGoGitClient(opts Options) *GoGitClient {
	return &GoGitClient{opts: opts}
}

// Pull fast-forwards the current branch of the checkout in repoDir
func (c *GoGitClient) Pull(ctx context.Context, repoDir string) error {
	repo, err := gogit.PlainOpen(repoDir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return fmt.Errorf("%w: %s", ErrNotRepository, repoDir)
		}
		return fmt.Errorf("failed to open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	remoteName := c.opts.Remote
	if remoteName == "" {
		remoteName = upstreamRemote(repo)
	}

	pullOpts := &gogit.PullOptions{RemoteName: remoteName}
	if c.opts.Branch != "" {
		pullOpts.ReferenceName = plumbing.NewBranchReferenceName(c.opts.Branch)
	}

	remote, err := repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("git remote %q not found: %w", remoteName, err)
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		auth, err := c.authMethod(urls[0])
		if err != nil {
			return err
		}
		pullOpts.Auth = auth
	}

	err = wt.PullContext(ctx, pullOpts)
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return fmt.Errorf("git pull failed: local branch has diverged from %s: %w", remoteName, err)
	default:
		return fmt.Errorf("git pull failed: %w", err)
	}
}

// upstreamRemote returns the remote tracked by the checked-out branch,
// falling back to origin like a bare `git pull`
func upstreamRemote(repo *gogit.Repository) string {
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return gogit.DefaultRemoteName
	}
	cfg, err := repo.Config()
	if err != nil {
		return gogit.DefaultRemoteName
	}
	if b, ok := cfg.Branches[head.Name().Short()]; ok && b.Remote != "" {
		return b.Remote
	}
	return gogit.DefaultRemoteName
}

// authMethod builds go-git credentials matching the remote URL scheme
func (c *GoGitClient) authMethod(url string) (transport.AuthMethod, error) {
	if c.opts.SSHKeyFile != "" && isSSH(url) {
		keys, err := ssh.NewPublicKeysFromFile("git", c.opts.SSHKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.opts.HTTPSTokenFile != "" && isHTTPS(url) {
		token, err := readToken(c.opts.HTTPSTokenFile)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}
