package analyzer

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fotoark/fotoark/internal/fsutil"
)

// UnknownPartition is the archive partition for media without a shot-at.
const UnknownPartition = "unknown"

var unsafeFilenameChars = regexp.MustCompile(`[^\w.\-]+`)

// SanitizeFilename reduces a basename to a filesystem-safe form with a
// lowercased extension.
func SanitizeFilename(base string) string {
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = unsafeFilenameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "media"
	}
	return stem + ext
}

// RelativePath derives the canonical archive-relative path for a file:
// YYYY/MM/DD by the UTC date of shotAt, or the unknown partition.
func RelativePath(shotAt *time.Time, filename string) string {
	if shotAt == nil {
		return UnknownPartition + "/" + filename
	}
	return shotAt.UTC().Format("2006/01/02") + "/" + filename
}

// DisambiguateRelPath derives the alternate destination used when the
// canonical path is already occupied by different content: the content hash
// prefix is folded into the stem so two distinct analyses never collide.
func DisambiguateRelPath(rel, fileHash string) string {
	ext := filepath.Ext(rel)
	suffix := fileHash
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fsutil.ReplaceSuffix(rel, "") + "-" + suffix + ext
}
