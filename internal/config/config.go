package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/claude-sync/internal/catalog"
)

// GitBackend selects how the repository is updated before a sync
type GitBackend string

const (
	BackendShell GitBackend = "shell"
	BackendGoGit GitBackend = "go-git"
)

// Environment variables that override the configured roots
const (
	EnvLocalRoot = "CLAUDE_SYNC_LOCAL_ROOT"
	EnvRepoRoot  = "CLAUDE_SYNC_REPO_ROOT"
)

// DefaultFileMode is applied to every file written by a sync
const DefaultFileMode os.FileMode = 0o644

// Config represents the complete claude-sync configuration
type Config struct {
	Paths      PathsConfig        `yaml:"paths"`
	Git        GitConfig          `yaml:"git"`
	Auth       AuthConfig         `yaml:"auth"`
	Sync       SyncConfig         `yaml:"sync"`
	Categories []catalog.Category `yaml:"categories"`
}

// PathsConfig configures the two trees being reconciled
type PathsConfig struct {
	LocalRoot string `yaml:"local_root"`
	RepoRoot  string `yaml:"repo_root"`
}

// GitConfig configures the repository update that precedes a sync
type GitConfig struct {
	SkipPull bool       `yaml:"skip_pull"`
	Backend  GitBackend `yaml:"backend"`
	Remote   string     `yaml:"remote"`
	Branch   string     `yaml:"branch"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	FileMode       string `yaml:"file_mode"`
	CompareContent bool   `yaml:"compare_content"`
	Lock           *bool  `yaml:"lock"`
}

// DefaultPath returns the configuration file location under the XDG config home
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "claude-sync", "config.yaml")
}

// Load reads and parses the configuration file.
// When explicit is false a missing file is not an error and defaults are used.
func Load(path string, explicit bool) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// built-in defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv lets environment variables take precedence over the file
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLocalRoot); v != "" {
		c.Paths.LocalRoot = v
	}
	if v := os.Getenv(EnvRepoRoot); v != "" {
		c.Paths.RepoRoot = v
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Paths.LocalRoot == "" {
		c.Paths.LocalRoot = "~/.claude"
	}
	if c.Paths.RepoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		c.Paths.RepoRoot = wd
	}
	if c.Git.Backend == "" {
		c.Git.Backend = BackendShell
	}
	if c.Sync.FileMode == "" {
		c.Sync.FileMode = fmt.Sprintf("%04o", DefaultFileMode)
	}
	if c.Sync.Lock == nil {
		enabled := true
		c.Sync.Lock = &enabled
	}
	if len(c.Categories) == 0 {
		c.Categories = catalog.Defaults()
	}
	for i := range c.Categories {
		if c.Categories[i].Direction == "" {
			c.Categories[i].Direction = catalog.Bidirectional
		}
	}
	return nil
}

// expandPaths expands environment variables and a leading ~ in all path fields
func (c *Config) expandPaths() error {
	var err error
	if c.Paths.LocalRoot, err = expandPath(c.Paths.LocalRoot); err != nil {
		return err
	}
	if c.Paths.RepoRoot, err = expandPath(c.Paths.RepoRoot); err != nil {
		return err
	}
	if c.Auth.SSHKeyFile, err = expandPath(c.Auth.SSHKeyFile); err != nil {
		return err
	}
	if c.Auth.HTTPSTokenFile, err = expandPath(c.Auth.HTTPSTokenFile); err != nil {
		return err
	}
	return nil
}

// SetRoots overrides the configured roots, as done for command line flags.
// Empty values leave the current root in place.
func (c *Config) SetRoots(localRoot, repoRoot string) error {
	if localRoot != "" {
		p, err := expandPath(localRoot)
		if err != nil {
			return err
		}
		if p, err = filepath.Abs(p); err != nil {
			return err
		}
		c.Paths.LocalRoot = p
	}
	if repoRoot != "" {
		p, err := expandPath(repoRoot)
		if err != nil {
			return err
		}
		if p, err = filepath.Abs(p); err != nil {
			return err
		}
		c.Paths.RepoRoot = p
	}
	return c.Validate()
}

func expandPath(p string) (string, error) {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.LocalRoot == "" {
		return fmt.Errorf("paths.local_root is required")
	}
	if c.Paths.RepoRoot == "" {
		return fmt.Errorf("paths.repo_root is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.LocalRoot) {
		return fmt.Errorf("paths.local_root must be an absolute path: %s", c.Paths.LocalRoot)
	}
	if !filepath.IsAbs(c.Paths.RepoRoot) {
		return fmt.Errorf("paths.repo_root must be an absolute path: %s", c.Paths.RepoRoot)
	}
	if filepath.Clean(c.Paths.LocalRoot) == filepath.Clean(c.Paths.RepoRoot) {
		return fmt.Errorf("paths.local_root and paths.repo_root must differ: %s", c.Paths.LocalRoot)
	}

	// Validate git backend
	switch c.Git.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid git.backend: %s (must be shell or go-git)", c.Git.Backend)
	}
	if c.Git.Branch != "" && c.Git.Remote == "" {
		return fmt.Errorf("git.branch requires git.remote")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate file mode
	mode, err := c.FileMode()
	if err != nil {
		return err
	}
	if mode&0o111 != 0 {
		return fmt.Errorf("sync.file_mode must not be executable: %s", c.Sync.FileMode)
	}
	if mode&0o200 == 0 {
		return fmt.Errorf("sync.file_mode must be owner-writable: %s", c.Sync.FileMode)
	}

	// Validate categories
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	names := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if err := cat.Validate(); err != nil {
			return err
		}
		if names[cat.Name] {
			return fmt.Errorf("duplicate category name: %s", cat.Name)
		}
		names[cat.Name] = true
	}

	return nil
}

// FileMode parses the configured permission bits for written files
func (c *Config) FileMode() (os.FileMode, error) {
	v, err := strconv.ParseUint(c.Sync.FileMode, 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("invalid sync.file_mode: %q (must be octal, e.g. 0644)", c.Sync.FileMode)
	}
	return os.FileMode(v), nil
}

// LockEnabled reports whether the advisory lock should be taken
func (c *Config) LockEnabled() bool {
	return c.Sync.Lock == nil || *c.Sync.Lock
}

// LockFilePath returns the path to the advisory lock file
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.LocalRoot, ".claude-sync.lock")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
