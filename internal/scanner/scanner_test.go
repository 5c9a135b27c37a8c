package scanner

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestScanWalksAndSorts(t *testing.T) {
	importDir := t.TempDir()
	writeFile(t, filepath.Join(importDir, "b.jpg"), []byte("b"))
	writeFile(t, filepath.Join(importDir, "sub", "a.png"), []byte("a"))
	writeFile(t, filepath.Join(importDir, "notes.txt"), []byte("skip me"))
	writeFile(t, filepath.Join(importDir, "clip.mp4"), []byte("v"))

	s := New(hclog.NewNullLogger(), t.TempDir())
	files, err := s.Scan(importDir)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(importDir, "b.jpg"),
		filepath.Join(importDir, "clip.mp4"),
		filepath.Join(importDir, "sub", "a.png"),
	}, files)
}

func TestScanExpandsArchives(t *testing.T) {
	importDir := t.TempDir()
	tempRoot := t.TempDir()
	writeZip(t, filepath.Join(importDir, "takeout.zip"), map[string][]byte{
		"Photos/one.jpg":   []byte("one"),
		"Photos/meta.json": []byte("{}"),
		"two.png":          []byte("two"),
	})

	s := New(hclog.NewNullLogger(), tempRoot)
	files, err := s.Scan(importDir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
	assert.ElementsMatch(t, []string{"one.jpg", "two.png"}, names)

	// Extractions land under the temp root and are removed by Cleanup.
	for _, f := range files {
		rel, err := filepath.Rel(tempRoot, f)
		require.NoError(t, err)
		assert.False(t, filepath.IsAbs(rel))
	}
	s.Cleanup()
	for _, f := range files {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestScanSkipsCorruptArchive(t *testing.T) {
	importDir := t.TempDir()
	writeFile(t, filepath.Join(importDir, "broken.zip"), []byte("this is not a zip"))
	writeFile(t, filepath.Join(importDir, "ok.jpg"), []byte("ok"))

	s := New(hclog.NewNullLogger(), t.TempDir())
	files, err := s.Scan(importDir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(importDir, "ok.jpg")}, files)
}

func TestScanCollidingArchiveEntries(t *testing.T) {
	importDir := t.TempDir()
	writeZip(t, filepath.Join(importDir, "dup.zip"), map[string][]byte{
		"a/shot.jpg": []byte("first"),
		"b/shot.jpg": []byte("second"),
	})

	s := New(hclog.NewNullLogger(), t.TempDir())
	defer s.Cleanup()
	files, err := s.Scan(importDir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.NotEqual(t, files[0], files[1])
}
