// Package scanner walks the import directory, expanding ZIP archives into
// per-archive temporary directories and returning the ordered list of
// ingestible file paths.
package scanner

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/fotoark/fotoark/internal/mediatypes"
)

// Scanner walks one import run. Temp directories created for archive
// expansion live until Cleanup, which the use case runs in its final path
// regardless of success.
type Scanner struct {
	log      hclog.Logger
	tempRoot string
	tempDirs []string
}

// New creates a scanner whose archive extractions land under tempRoot.
func New(log hclog.Logger, tempRoot string) *Scanner {
	return &Scanner{log: log.Named("scanner"), tempRoot: tempRoot}
}

// Scan walks importDir recursively and returns the supported file paths in
// deterministic order. ZIP archives are expanded on the fly and their
// extracted supported files included. Unsupported extensions are skipped
// silently; corrupt archives are logged and skipped.
func (s *Scanner) Scan(importDir string) ([]string, error) {
	var files []string
	err := filepath.Walk(importDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch {
		case mediatypes.IsArchive(path):
			extracted, zerr := s.expandArchive(path)
			if zerr != nil {
				s.log.Warn("local_import.scan.archive_failed", "archive", path, "error", zerr)
				return nil
			}
			files = append(files, extracted...)
		case mediatypes.IsSupported(path):
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk import dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// expandArchive extracts the supported entries of one ZIP into a lazily
// created temp directory and returns their paths.
func (s *Scanner) expandArchive(archivePath string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	var dir string
	var extracted []string
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !mediatypes.IsSupported(entry.Name) {
			continue
		}
		if dir == "" {
			dir, err = os.MkdirTemp(s.tempRoot, "zip-*")
			if err != nil {
				return nil, fmt.Errorf("create extraction dir: %w", err)
			}
			s.tempDirs = append(s.tempDirs, dir)
		}
		dest, err := s.extractEntry(entry, dir)
		if err != nil {
			s.log.Warn("local_import.scan.entry_failed",
				"archive", archivePath, "entry", entry.Name, "error", err)
			continue
		}
		extracted = append(extracted, dest)
	}
	return extracted, nil
}

func (s *Scanner) extractEntry(entry *zip.File, dir string) (string, error) {
	// Flatten to the basename; traversal-shaped entry names stay inside dir.
	name := filepath.Base(filepath.FromSlash(entry.Name))
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("unusable entry name %q", entry.Name)
	}
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(dir, uniquePrefix(entry)+name)
	}

	in, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("open entry: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create extracted file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("extract entry: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if mt := entry.Modified; !mt.IsZero() {
		_ = os.Chtimes(dest, mt, mt)
	}
	return dest, nil
}

func uniquePrefix(entry *zip.File) string {
	return fmt.Sprintf("%08x_", entry.CRC32)
}

// Cleanup removes every temp directory created during this run.
func (s *Scanner) Cleanup() {
	for _, dir := range s.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("local_import.scan.cleanup_failed", "dir", dir, "error", err)
		}
	}
	s.tempDirs = nil
}
