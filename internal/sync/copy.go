package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
)

const tempPattern = ".claude-sync-tmp-*"

// prepareDir creates dir if needed and checks that files can be created in it
func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: cannot create %s: %v", ErrPermission, dir, err)
	}
	probe, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("%w: cannot write to %s: %v", ErrPermission, dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

// copyFile copies src over dst atomically. The written file gets mode and keeps
// the modification time of src, so an unchanged pair compares equal afterwards.
func copyFile(src, dst string, mode os.FileMode) error {
	info, err := os.Stat(src)
	if err != nil {
		return &FileError{File: src, Op: "read", Err: err}
	}
	if !info.Mode().IsRegular() {
		return &FileError{File: src, Op: "read", Err: errors.New("not a regular file")}
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return &FileError{File: dst, Op: "write", Err: err}
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	opts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Deep
		},
		PermissionControl: copy.DoNothing,
		PreserveTimes:     true,
		Sync:              true,
	}
	if err := copy.Copy(src, tmpPath, opts); err != nil {
		op := "write"
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			if _, statErr := os.Stat(src); statErr != nil {
				op = "read"
			}
		}
		return &FileError{File: src, Op: op, Err: err}
	}
	// copy.Copy treats a source that vanished mid-copy as nothing to do
	if _, err := os.Stat(src); err != nil {
		return &FileError{File: src, Op: "read", Err: err}
	}

	// Never propagate execute bits from the source
	if err := os.Chmod(tmpPath, mode); err != nil {
		return &FileError{File: dst, Op: "write", Err: err}
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dst); err != nil {
		return &FileError{File: dst, Op: "write", Err: err}
	}

	return nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
