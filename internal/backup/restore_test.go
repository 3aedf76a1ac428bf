package backup

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestRestoreSkipsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"ok/file.txt":      "fine",
		"../escape.txt":    "bad",
		"/etc/passwd-copy": "bad",
	})

	target := filepath.Join(dir, "out")
	res, err := Restore(context.Background(), archive, target)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.ElementsMatch(t, []string{"../escape.txt", "/etc/passwd-copy"}, res.Skipped)

	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(target, "ok", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(data))
}

func TestRestoreRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	_, err := Restore(context.Background(), path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive type")
}

func TestSafeJoin(t *testing.T) {
	root := filepath.Join("srv", "restore")
	for name, ok := range map[string]bool{
		"a/b.txt":      true,
		"a/../b.txt":   true,
		"../b.txt":     false,
		"a/../../b":    false,
		"/abs":         false,
		"":             false,
		"./a/./b.conf": true,
	} {
		_, got := safeJoin(root, name)
		assert.Equal(t, ok, got, name)
	}
}
