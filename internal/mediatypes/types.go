// Package mediatypes defines the closed set of media file types the
// ingestion core accepts, plus extension-based MIME and kind lookups.
package mediatypes

import (
	"path/filepath"
	"strings"
)

// ImageExtensions contains supported image file extensions (lowercase, with dot).
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
	".heic": true,
	".heif": true,
}

// VideoExtensions contains supported video file extensions.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".m4v":  true,
	".3gp":  true,
}

// ArchiveExtensions contains archive formats the directory scanner expands.
// Archives are scanner territory, never handed to the importer.
var ArchiveExtensions = map[string]bool{
	".zip": true,
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".3gp":  "video/3gpp",
}

// Ext returns the lowercased extension (with dot) of path.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// IsSupported reports whether path has an extension the importer accepts.
// Archives are not importable; they are expanded by the scanner first.
func IsSupported(path string) bool {
	ext := Ext(path)
	return ImageExtensions[ext] || VideoExtensions[ext]
}

// IsScannable reports whether the directory scanner should pick up path,
// either as an importable file or as an archive to expand.
func IsScannable(path string) bool {
	return IsSupported(path) || ArchiveExtensions[Ext(path)]
}

// IsVideo reports whether path has a video extension.
func IsVideo(path string) bool {
	return VideoExtensions[Ext(path)]
}

// IsArchive reports whether path has an archive extension.
func IsArchive(path string) bool {
	return ArchiveExtensions[Ext(path)]
}

// MimeType returns the MIME type for path based on its extension, or
// "application/octet-stream" when the extension is unknown.
func MimeType(path string) string {
	if m, ok := mimeByExt[Ext(path)]; ok {
		return m
	}
	return "application/octet-stream"
}
