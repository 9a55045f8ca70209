// SPDX-License-Identifier: MIT

// Package fsutil provides the filesystem primitives the pipeline relies on:
// atomic cross-directory moves, durable whole-file writes, and path
// confinement checks for paths derived from user-controlled filenames.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// TmpSuffix marks in-flight copy targets. A crash mid-move leaves at most one
// such file, which reconciliation sweeps.
const TmpSuffix = ".tmp"

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// MoveFile moves src to dst atomically. Same-filesystem moves are a single
// rename; cross-device moves copy to dst.tmp, rename into place, then unlink
// the source. The destination directory is created as needed.
func MoveFile(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return fmt.Errorf("rename %q -> %q: %w", src, dst, err)
	}
	// EXDEV or similar: fall back to copy-then-rename.
	if cerr := copyThenRename(src, dst); cerr != nil {
		return cerr
	}
	if rerr := os.Remove(src); rerr != nil {
		return fmt.Errorf("remove source after copy %q: %w", src, rerr)
	}
	return nil
}

func copyThenRename(src, dst string) error {
	tmp := dst + TmpSuffix
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return fmt.Errorf("open source %q: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %q: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy %q -> %q: %w", src, tmp, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %q: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %q -> %q: %w", tmp, dst, err)
	}
	return nil
}

// WriteFileAtomic durably writes data to path: temp file, fsync, atomic rename.
func WriteFileAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file for %q: %w", path, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file for %q: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %q: %w", path, err)
	}
	return nil
}

// RelUnder returns the path of target relative to root, rejecting targets
// that escape root. Both paths must be absolute.
func RelUnder(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", fmt.Errorf("relativize %q under %q: %w", target, root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", target, root)
	}
	return rel, nil
}

// ConfineRelPath joins root and relTarget, rejecting absolute targets,
// backslashes, and traversal sequences that would escape root.
func ConfineRelPath(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}
	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	return filepath.Join(absRoot, cleanRel), nil
}

// IsRegularFile returns nil if path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", path)
	}
	return nil
}
