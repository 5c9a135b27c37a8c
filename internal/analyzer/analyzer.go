// Package analyzer inspects a media file on disk and derives everything the
// importer needs to catalog it: content hash, MIME type, dimensions,
// orientation, EXIF, video metadata, shot-at timestamp, and the canonical
// archive-relative destination path.
package analyzer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hashicorp/go-hclog"

	"github.com/fotoark/fotoark/internal/ffmpeg"
	"github.com/fotoark/fotoark/internal/mediatypes"
)

// ErrAnalysis is the base error for files that cannot be opened or probed.
// Missing EXIF is never an error; the analysis just carries an empty map.
var ErrAnalysis = errors.New("media analysis failed")

// Analysis is the immutable result of probing one file.
type Analysis struct {
	SourcePath string
	SourceBase string

	FileHash string
	FileSize int64
	MimeType string
	IsVideo  bool

	Width       int
	Height      int
	Orientation *int
	DurationMS  *int64
	ShotAt      *time.Time

	ExifData      map[string]any
	VideoMetadata map[string]any

	CameraMake  string
	CameraModel string

	DestinationFilename string
	RelativePath        string
}

// Analyzer probes files. The transcoder is used for video metadata and as a
// dimension fallback for formats the in-process decoders cannot handle.
type Analyzer struct {
	log hclog.Logger
	tc  ffmpeg.Transcoder
	tz  *time.Location
}

// New creates an analyzer. tz is the fallback zone for EXIF timestamps that
// carry no UTC offset.
func New(log hclog.Logger, tc ffmpeg.Transcoder, tz *time.Location) *Analyzer {
	if tz == nil {
		tz = time.UTC
	}
	return &Analyzer{log: log.Named("analyzer"), tc: tc, tz: tz}
}

// Analyze probes the file at path and returns its analysis.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*Analysis, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrAnalysis, path, err)
	}

	hash, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: hash %s: %v", ErrAnalysis, path, err)
	}

	analysis := &Analysis{
		SourcePath:    path,
		SourceBase:    filepath.Base(path),
		FileHash:      hash,
		FileSize:      info.Size(),
		MimeType:      mediatypes.MimeType(path),
		IsVideo:       mediatypes.IsVideo(path),
		ExifData:      map[string]any{},
		VideoMetadata: map[string]any{},
	}

	if analysis.IsVideo {
		if err := a.analyzeVideo(ctx, analysis); err != nil {
			return nil, err
		}
	} else {
		a.analyzeImage(ctx, analysis)
	}

	analysis.DestinationFilename = SanitizeFilename(analysis.SourceBase)
	analysis.RelativePath = RelativePath(analysis.ShotAt, analysis.DestinationFilename)
	return analysis, nil
}

func (a *Analyzer) analyzeVideo(ctx context.Context, analysis *Analysis) error {
	probe, err := a.tc.Probe(ctx, analysis.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: probe %s: %v", ErrAnalysis, analysis.SourcePath, err)
	}
	analysis.Width = probe.Width
	analysis.Height = probe.Height
	if probe.DurationMS > 0 {
		d := probe.DurationMS
		analysis.DurationMS = &d
	}
	if probe.CreationTime != nil {
		t := probe.CreationTime.UTC()
		analysis.ShotAt = &t
	}
	analysis.VideoMetadata = map[string]any{
		"fps":               probe.FPS,
		"processing_status": "READY",
	}
	return nil
}

func (a *Analyzer) analyzeImage(ctx context.Context, analysis *Analysis) {
	// EXIF first: it is still extractable for formats whose pixel data the
	// in-process decoders cannot handle (HEIC without a decoder).
	ex := extractExif(analysis.SourcePath)
	analysis.ExifData = ex.Raw
	analysis.Orientation = ex.Orientation
	analysis.CameraMake = ex.CameraMake
	analysis.CameraModel = ex.CameraModel
	analysis.ShotAt = ex.ShotAt(a.tz)

	width, height, err := decodeDimensions(analysis.SourcePath)
	if err != nil {
		// Secondary probe. HEIC/HEIF with a broken decoder lands here.
		if probe, perr := a.tc.Probe(ctx, analysis.SourcePath); perr == nil {
			width, height = probe.Width, probe.Height
		} else {
			a.log.Debug("dimension probe failed", "path", analysis.SourcePath, "error", perr)
		}
	}
	analysis.Width = width
	analysis.Height = height
}

func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
