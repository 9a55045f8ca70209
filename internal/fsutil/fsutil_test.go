// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.mp3")
	dst := filepath.Join(dir, "dst", "nested", "a.mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o750))
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, MoveFile(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be gone")
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestMoveFileOverwritesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o600))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o600))

	require.NoError(t, MoveFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestMoveFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := MoveFile(filepath.Join(dir, "ghost.mp3"), filepath.Join(dir, "out.mp3"))
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"ok":true}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	// Replacing an existing file leaves no temp artifacts behind.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"ok":false}`)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRelUnder(t *testing.T) {
	rel, err := RelUnder("/watch", "/watch/sub/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("sub", "a.mp3"), rel)

	rel, err = RelUnder("/watch", "/watch/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", rel)

	_, err = RelUnder("/watch", "/etc/passwd")
	require.Error(t, err)

	_, err = RelUnder("/watch", "/watch/../etc/passwd")
	require.Error(t, err)
}

func TestConfineRelPath(t *testing.T) {
	got, err := ConfineRelPath("/out", "sub/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/out/sub/a.txt", got)

	_, err = ConfineRelPath("/out", "../escape.txt")
	require.Error(t, err)

	_, err = ConfineRelPath("/out", "/abs/path.txt")
	require.Error(t, err)

	_, err = ConfineRelPath("/out", "a\\b.txt")
	require.Error(t, err)

	// Traversal that stays inside the root after cleaning is fine.
	got, err = ConfineRelPath("/out", "sub/../a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/out/a.txt", got)
}

func TestIsRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.NoError(t, IsRegularFile(path))
	assert.Error(t, IsRegularFile(dir), "directories are rejected")
	assert.Error(t, IsRegularFile(filepath.Join(dir, "ghost")))
}
