// Package fsutil provides filesystem helpers shared by the archive stores:
// metadata-preserving copies, cross-device-safe moves, and the forward-slash
// path normalization used for every relative path persisted to the catalog.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// NormalizeSlashes rewrites any backslash separators to forward slashes.
// Relative paths are stored slash-normalized regardless of host OS; legacy
// rows may still carry backslashes, so callers normalize on read as well.
func NormalizeSlashes(rel string) string {
	return strings.ReplaceAll(rel, `\`, "/")
}

// ReplaceSuffix returns rel with its extension replaced by newExt
// (which must include the leading dot).
func ReplaceSuffix(rel, newExt string) string {
	ext := filepath.Ext(rel)
	return rel[:len(rel)-len(ext)] + newExt
}

// Stem returns the base name of rel without its extension.
func Stem(rel string) string {
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EnsureParentDir creates the parent directory of path if needed.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CopyFile copies src to dst, preserving the source's modification time.
// The parent directory of dst is created if needed.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if err := EnsureParentDir(dst); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close destination: %w", err)
	}

	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return nil
}

// MoveFile moves src to dst, preferring an atomic rename and degrading to
// copy+remove across filesystem boundaries. The parent directory of dst is
// created if needed.
func MoveFile(src, dst string) error {
	if err := EnsureParentDir(dst); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
