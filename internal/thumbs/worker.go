// Package thumbs generates the fixed-size thumbnail set for a Media and
// owns the bounded retry machinery used when a video's playback rendition
// is not ready yet.
package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
	"github.com/fotoark/fotoark/internal/fsutil"
)

// Sizes is the fixed long-side pixel set every Media gets thumbnails at.
var Sizes = []int{256, 512, 1024, 2048}

// NotesPlaybackNotReady is the sentinel the worker reports when a video's
// completed playback (and poster) is missing. The post-processing service
// keys retry scheduling off this exact string.
const NotesPlaybackNotReady = "playback not ready"

const jpegQuality = 85

// Result reports one thumbnail generation run.
type Result struct {
	OK            bool           `json:"ok"`
	Generated     []int          `json:"generated"`
	Skipped       []int          `json:"skipped"`
	Notes         string         `json:"notes,omitempty"`
	Paths         map[int]string `json:"paths"`
	RetryBlockers map[string]any `json:"retry_blockers,omitempty"`
}

// Worker generates thumbnails. Idempotent: a repeat run with force=false
// generates nothing new, and concurrent runs are safe because every write
// is an atomic temp-file rename.
type Worker struct {
	log   hclog.Logger
	tc    ffmpeg.Transcoder
	paths config.PathsConfig
}

// NewWorker creates a thumbnail worker.
func NewWorker(log hclog.Logger, tc ffmpeg.Transcoder, paths config.PathsConfig) *Worker {
	return &Worker{log: log.Named("thumbs"), tc: tc, paths: paths}
}

// Generate produces the thumbnail set for mediaID. A deleted Media succeeds
// as a no-op with every size skipped.
func (w *Worker) Generate(ctx context.Context, db *gorm.DB, mediaID uint, force bool) (*Result, error) {
	var media database.Media
	if err := db.First(&media, mediaID).Error; err != nil {
		return nil, fmt.Errorf("load media %d: %w", mediaID, err)
	}

	result := &Result{OK: true, Generated: []int{}, Skipped: []int{}, Paths: map[int]string{}}
	if media.IsDeleted {
		result.Skipped = append(result.Skipped, Sizes...)
		return result, nil
	}

	sourcePath, cleanup, notReady, err := w.resolveSource(ctx, db, &media)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	if notReady {
		result.Notes = NotesPlaybackNotReady
		result.RetryBlockers = map[string]any{"reason": "completed playback missing"}
		return result, nil
	}

	img, err := openOriented(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail source %s: %w", sourcePath, err)
	}

	ext := ".jpg"
	if !isOpaque(img) {
		ext = ".png"
	}
	rel := fsutil.ReplaceSuffix(fsutil.NormalizeSlashes(media.LocalRelPath), ext)

	bounds := img.Bounds()
	longSide := bounds.Dx()
	if bounds.Dy() > longSide {
		longSide = bounds.Dy()
	}

	for _, size := range Sizes {
		dest := filepath.Join(w.paths.ThumbnailsDir, strconv.Itoa(size), filepath.FromSlash(rel))
		if !force && fsutil.FileExists(dest) {
			result.Skipped = append(result.Skipped, size)
			result.Paths[size] = dest
			continue
		}
		if longSide < size {
			// Never upscale.
			result.Skipped = append(result.Skipped, size)
			continue
		}
		if err := w.writeThumbnail(img, size, ext, dest); err != nil {
			return nil, fmt.Errorf("write %d thumbnail: %w", size, err)
		}
		result.Generated = append(result.Generated, size)
		result.Paths[size] = dest
	}

	if len(result.Generated) > 0 {
		if media.ThumbnailRelPath == nil || *media.ThumbnailRelPath != rel {
			if err := db.Model(&database.Media{}).Where("id = ?", media.ID).
				Update("thumbnail_rel_path", rel).Error; err != nil {
				return nil, fmt.Errorf("update thumbnail path: %w", err)
			}
		}
	}
	return result, nil
}

// resolveSource picks the pixel source: the original for images, the poster
// or an extracted playback frame for videos. notReady is true when a video
// has no usable completed playback.
func (w *Worker) resolveSource(ctx context.Context, db *gorm.DB, media *database.Media) (path string, cleanup func(), notReady bool, err error) {
	if !media.IsVideo {
		src := filepath.Join(w.paths.OriginalsDir, filepath.FromSlash(fsutil.NormalizeSlashes(media.LocalRelPath)))
		if !fsutil.FileExists(src) {
			return "", nil, false, fmt.Errorf("original missing at %s", src)
		}
		return src, nil, false, nil
	}

	var playback database.MediaPlayback
	err = db.Where("media_id = ? AND preset = ? AND status = ?",
		media.ID, database.PlaybackPresetStd1080p, database.PlaybackStatusDone).
		Order("id DESC").First(&playback).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil, true, nil
		}
		return "", nil, false, fmt.Errorf("load playback: %w", err)
	}

	if playback.PosterRelPath != nil {
		poster := filepath.Join(w.paths.PlaybackDir, filepath.FromSlash(fsutil.NormalizeSlashes(*playback.PosterRelPath)))
		if fsutil.FileExists(poster) {
			return poster, nil, false, nil
		}
	}

	// No stored poster: extract a frame at ~1 s from the playback file.
	if playback.RelPath != nil && w.tc != nil && w.tc.Available() {
		video := filepath.Join(w.paths.PlaybackDir, filepath.FromSlash(fsutil.NormalizeSlashes(*playback.RelPath)))
		if fsutil.FileExists(video) {
			frame := filepath.Join(w.paths.TempDir, fmt.Sprintf("thumb-frame-%d-%d.jpg", media.ID, time.Now().UnixNano()))
			if err := fsutil.EnsureParentDir(frame); err != nil {
				return "", nil, false, err
			}
			if err := w.tc.ExtractFrame(ctx, video, frame, time.Second); err == nil {
				return frame, func() { os.Remove(frame) }, false, nil
			}
			// Any extractor failure degrades to not-ready.
			os.Remove(frame)
		}
	}
	return "", nil, true, nil
}

func (w *Worker) writeThumbnail(img image.Image, size int, ext, dest string) error {
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if ext == ".png" {
		if err := png.Encode(&buf, thumb); err != nil {
			return err
		}
	} else {
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return err
		}
	}
	if err := fsutil.EnsureParentDir(dest); err != nil {
		return err
	}
	// renameio writes to a temp file and renames, so concurrent generators
	// against the same Media are last-writer-wins with equivalent content.
	return renameio.WriteFile(dest, buf.Bytes(), 0o644)
}

// openOriented decodes an image honoring EXIF orientation.
func openOriented(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	// Fallback for formats imaging does not handle natively (webp).
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if filepath.Ext(path) == ".webp" {
		img, err = webp.Decode(f)
	} else {
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, err
	}
	return applyOrientation(path, img), nil
}

// applyOrientation transposes img per the file's EXIF orientation tag.
func applyOrientation(path string, img image.Image) image.Image {
	f, err := os.Open(path)
	if err != nil {
		return img
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return img
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return img
	}
	orient, err := tag.Int(0)
	if err != nil {
		return img
	}
	switch orient {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// isOpaque reports whether img has no transparent pixels worth preserving.
func isOpaque(img image.Image) bool {
	type opaquer interface{ Opaque() bool }
	if o, ok := img.(opaquer); ok {
		return o.Opaque()
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return false
			}
		}
	}
	return true
}
