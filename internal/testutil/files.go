package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// BaseTime is a fixed point in the past used for deterministic modification times
var BaseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// FileSnapshot captures what a test needs to know about a file
type FileSnapshot struct {
	Content string
	ModTime time.Time
	Mode    fs.FileMode
}

// WriteFile writes content to path, creating parent directories, and sets its
// modification time to mtime.
func WriteFile(t testing.TB, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of path or fails the test
func ReadFile(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// Snapshot records every regular file below root, keyed by slash-separated relative path.
// A missing root yields an empty snapshot.
func Snapshot(t testing.TB, root string) map[string]FileSnapshot {
	t.Helper()
	snap := make(map[string]FileSnapshot)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return snap
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = FileSnapshot{
			Content: string(data),
			ModTime: info.ModTime(),
			Mode:    info.Mode().Perm(),
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return snap
}
