package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Direction describes which ways a category may be synced
type Direction string

const (
	Bidirectional Direction = "bidirectional"
	RepoToLocal   Direction = "repo-to-local"
)

// Category is a named group of tracked files with a local and a repo location
type Category struct {
	Name      string    `yaml:"name"`
	LocalPath string    `yaml:"local_path"`
	RepoPath  string    `yaml:"repo_path"`
	Pattern   string    `yaml:"pattern"`
	Direction Direction `yaml:"direction"`
}

// Entry is one tracked file with its location on both sides
type Entry struct {
	Name      string
	LocalPath string
	RepoPath  string
}

// Defaults returns the categories tracked when no configuration overrides them.
func Defaults() []Category {
	return []Category{
		{Name: "agents", LocalPath: "agents", RepoPath: "agents", Pattern: "*.md", Direction: Bidirectional},
		{Name: "commands", LocalPath: "commands", RepoPath: "commands", Pattern: "*.md", Direction: RepoToLocal},
		{Name: "config", LocalPath: "CLAUDE.md", RepoPath: "claude.md", Direction: Bidirectional},
	}
}

// IsSingleFile reports whether the category tracks exactly one file
func (c Category) IsSingleFile() bool {
	return c.Pattern == ""
}

// LocalDir returns the directory on the local side that receives writes
func (c Category) LocalDir(localRoot string) string {
	if c.IsSingleFile() {
		return filepath.Dir(filepath.Join(localRoot, c.LocalPath))
	}
	return filepath.Join(localRoot, c.LocalPath)
}

// RepoDir returns the directory on the repo side that receives writes
func (c Category) RepoDir(repoRoot string) string {
	if c.IsSingleFile() {
		return filepath.Dir(filepath.Join(repoRoot, c.RepoPath))
	}
	return filepath.Join(repoRoot, c.RepoPath)
}

// Validate checks that the category can be resolved against two roots
func (c Category) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("category name is required")
	}
	if c.LocalPath == "" || c.RepoPath == "" {
		return fmt.Errorf("category %s: local_path and repo_path are required", c.Name)
	}
	if filepath.IsAbs(c.LocalPath) || filepath.IsAbs(c.RepoPath) {
		return fmt.Errorf("category %s: paths must be relative to their root", c.Name)
	}
	if c.Pattern != "" {
		if _, err := filepath.Match(c.Pattern, ""); err != nil {
			return fmt.Errorf("category %s: invalid pattern %q: %w", c.Name, c.Pattern, err)
		}
	}
	switch c.Direction {
	case Bidirectional, RepoToLocal:
	default:
		return fmt.Errorf("category %s: invalid direction %q (must be bidirectional or repo-to-local)", c.Name, c.Direction)
	}
	return nil
}

// Entries returns the union of tracked files found under both roots, sorted by name.
// A single-file category yields one entry if the file exists on at least one side.
func (c Category) Entries(localRoot, repoRoot string) ([]Entry, error) {
	if c.IsSingleFile() {
		local := filepath.Join(localRoot, c.LocalPath)
		repo := filepath.Join(repoRoot, c.RepoPath)
		localOK, err := exists(local)
		if err != nil {
			return nil, err
		}
		repoOK, err := exists(repo)
		if err != nil {
			return nil, err
		}
		if !localOK && !repoOK {
			return nil, nil
		}
		return []Entry{{Name: filepath.Base(c.LocalPath), LocalPath: local, RepoPath: repo}}, nil
	}

	localDir := c.LocalDir(localRoot)
	repoDir := c.RepoDir(repoRoot)

	localNames, err := Discover(localDir, c.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", localDir, err)
	}
	repoNames, err := Discover(repoDir, c.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", repoDir, err)
	}

	seen := make(map[string]bool, len(localNames)+len(repoNames))
	names := make([]string, 0, len(localNames)+len(repoNames))
	for _, n := range append(localNames, repoNames...) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, Entry{
			Name:      n,
			LocalPath: filepath.Join(localDir, n),
			RepoPath:  filepath.Join(repoDir, n),
		})
	}
	return entries, nil
}

// Discover returns the basenames of regular files directly in dir that match pattern.
// Hidden files and subdirectories are skipped, symlinks are followed.
// A missing directory is treated as empty.
func Discover(dir, pattern string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if IsMissing(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !de.Type().IsRegular() {
			// Follow symlinks to regular files; skip everything else
			if de.Type()&fs.ModeSymlink == 0 {
				continue
			}
			info, err := os.Stat(filepath.Join(dir, name))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if IsMissing(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// IsMissing reports whether err means the path does not exist, including the
// case where one of its parents is a regular file.
func IsMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
