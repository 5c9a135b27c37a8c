// Package importer brings one inbound file into the archive: analysis,
// duplicate detection, canonical placement, catalog rows, and the
// post-processing handoff.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/analyzer"
	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/fsutil"
	"github.com/fotoark/fotoark/internal/mediatypes"
	"github.com/fotoark/fotoark/internal/playback"
	"github.com/fotoark/fotoark/internal/thumbs"
)

// Import result statuses. The queue processor maps these onto selection
// terminal states.
const (
	StatusMissing            = "missing"
	StatusUnsupported        = "unsupported"
	StatusSkipped            = "skipped"
	StatusDuplicate          = "duplicate"
	StatusDuplicateRefreshed = "duplicate_refreshed"
	StatusFailed             = "failed"
	StatusSuccess            = "success"
)

// reasonEmptyFile matches the upstream UI's expectation verbatim; treat the
// string as opaque.
const reasonEmptyFile = "ファイルサイズが0です"

// Result is the per-file import outcome.
type Result struct {
	Success           bool                    `json:"success"`
	Status            string                  `json:"status"`
	Reason            string                  `json:"reason,omitempty"`
	MediaID           *uint                   `json:"media_id,omitempty"`
	MediaGoogleID     string                  `json:"media_google_id,omitempty"`
	MetadataRefreshed bool                    `json:"metadata_refreshed"`
	ImportedFilename  string                  `json:"imported_filename,omitempty"`
	ImportedPath      string                  `json:"imported_path,omitempty"`
	RelativePath      string                  `json:"relative_path,omitempty"`
	PostProcess       *playback.PrepareResult `json:"post_process,omitempty"`
	Thumbnails        *thumbs.Result          `json:"thumbnails,omitempty"`
	Warnings          []string                `json:"warnings,omitempty"`
}

// Options parameterize one import call.
type Options struct {
	// SessionID marks the import as session-driven, which makes recoverable
	// playback notes warnings instead of failures.
	SessionID *uint
	// DuplicateRegeneration overrides the configured policy when non-empty.
	DuplicateRegeneration string
}

// Importer is the single-file import use case.
type Importer struct {
	db          *gorm.DB
	log         hclog.Logger
	analyzer    *analyzer.Analyzer
	refresher   *Refresher
	post        *playback.PostProcessor
	thumbs      *thumbs.Worker
	recoverable *playback.RecoverablePolicy
	paths       config.PathsConfig
	dupRegen    string
}

// New creates an importer.
func New(db *gorm.DB, log hclog.Logger, an *analyzer.Analyzer, refresher *Refresher,
	post *playback.PostProcessor, thumbWorker *thumbs.Worker,
	recoverable *playback.RecoverablePolicy, paths config.PathsConfig, dupRegen string) *Importer {
	return &Importer{
		db:          db,
		log:         log.Named("importer"),
		analyzer:    an,
		refresher:   refresher,
		post:        post,
		thumbs:      thumbWorker,
		recoverable: recoverable,
		paths:       paths,
		dupRegen:    dupRegen,
	}
}

// ImportFile imports one file. It never returns an error to the caller;
// every failure mode is a Result with success=false.
func (im *Importer) ImportFile(ctx context.Context, filePath string, opts Options) *Result {
	log := im.log.With("path", filePath)
	log.Debug("local_import.file.begin")

	info, err := os.Stat(filePath)
	if err != nil {
		log.Info("local_import.file.missing")
		return &Result{Status: StatusMissing, Reason: "file not found"}
	}
	if !mediatypes.IsSupported(filePath) {
		log.Info("local_import.file.unsupported", "ext", mediatypes.Ext(filePath))
		return &Result{Status: StatusUnsupported, Reason: "unsupported extension"}
	}
	if info.Size() == 0 {
		log.Info("local_import.file.empty")
		return &Result{Status: StatusSkipped, Reason: reasonEmptyFile}
	}

	an, err := im.analyzer.Analyze(ctx, filePath)
	if err != nil {
		log.Error("local_import.file.failed", "error", err)
		return &Result{Status: StatusFailed, Reason: err.Error()}
	}

	dup, err := FindDuplicate(im.db, an.FileHash, an.FileSize)
	if err != nil {
		log.Error("local_import.file.failed", "error", err)
		return &Result{Status: StatusFailed, Reason: err.Error()}
	}
	if dup != nil {
		return im.importDuplicate(ctx, log, filePath, dup, opts)
	}
	return im.importNew(ctx, log, filePath, an, opts)
}

func (im *Importer) importDuplicate(ctx context.Context, log hclog.Logger, filePath string, dup *database.Media, opts Options) *Result {
	result := &Result{
		Success:       true,
		Status:        StatusDuplicate,
		MediaID:       &dup.ID,
		MediaGoogleID: dup.GoogleMediaID,
		RelativePath:  fsutil.NormalizeSlashes(dup.LocalRelPath),
	}

	refreshed := im.refresher.Refresh(ctx, im.db, dup, filePath)
	if !refreshed {
		log.Info("local_import.file.duplicate", "media_id", dup.ID)
		return result
	}

	result.Status = StatusDuplicateRefreshed
	result.MetadataRefreshed = true
	result.RelativePath = fsutil.NormalizeSlashes(dup.LocalRelPath)
	log.Info("local_import.file.duplicate_refreshed", "media_id", dup.ID)

	if err := os.Remove(filePath); err != nil {
		log.Warn("local_import.file.cleanup_failed", "error", err)
	}

	if dup.IsVideo {
		dupRegen := im.dupRegen
		if opts.DuplicateRegeneration != "" {
			dupRegen = opts.DuplicateRegeneration
		}
		if dupRegen == "skip" {
			log.Info("local_import.duplicate_video.thumbnail_regen_skipped", "media_id", dup.ID)
			return result
		}
		thumbRes, err := im.thumbs.Generate(ctx, im.db, dup.ID, true)
		if err != nil {
			log.Warn("local_import.duplicate_video.playback_force_failed", "media_id", dup.ID, "error", err)
			return result
		}
		result.Thumbnails = thumbRes
		log.Info("local_import.duplicate_video.thumbnail_regenerated",
			"media_id", dup.ID, "generated", thumbRes.Generated)
	}
	return result
}

func (im *Importer) importNew(ctx context.Context, log hclog.Logger, filePath string, an *analyzer.Analysis, opts Options) *Result {
	rel := an.RelativePath
	dest := filepath.Join(im.paths.OriginalsDir, filepath.FromSlash(rel))
	if fsutil.FileExists(dest) {
		// Same name, different content (the hash check already ruled out a
		// true duplicate).
		rel = analyzer.DisambiguateRelPath(rel, an.FileHash)
		dest = filepath.Join(im.paths.OriginalsDir, filepath.FromSlash(rel))
	}

	if err := fsutil.CopyFile(filePath, dest); err != nil {
		log.Error("local_import.file.failed", "error", err)
		return &Result{Status: StatusFailed, Reason: err.Error()}
	}
	log.Debug("local_import.file.copied", "dest", dest)

	googleID := "local-" + uuid.NewString()
	result := &Result{Status: StatusFailed}

	err := im.db.Transaction(func(tx *gorm.DB) error {
		media, err := im.createRows(tx, an, googleID, rel)
		if err != nil {
			return err
		}
		result.MediaID = &media.ID
		result.MediaGoogleID = googleID

		prep, err := im.post.Prepare(ctx, tx, media, false)
		if err != nil {
			return err
		}
		result.PostProcess = prep

		if media.IsVideo && !prep.OK {
			pbErr := &playback.Error{Note: prep.Note, Detail: prep.Error}
			if opts.SessionID != nil && im.recoverable.IsRecoverable(prep.Note) {
				log.Warn("playback preparation skipped", "media_id", media.ID, "note", prep.Note)
				result.Warnings = append(result.Warnings, "playback_skipped:"+prep.Note)
				return nil
			}
			return pbErr
		}
		return nil
	})
	if err != nil {
		if removeErr := os.Remove(dest); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Warn("local_import.file.cleanup_failed", "dest", dest, "error", removeErr)
		} else {
			log.Debug("local_import.file.cleanup", "dest", dest)
		}
		log.Error("local_import.file.failed", "error", err)
		var pbErr *playback.Error
		reason := err.Error()
		if errors.As(err, &pbErr) {
			reason = fmt.Sprintf("playback_error:%s", pbErr.Note)
		}
		return &Result{Status: StatusFailed, Reason: reason, MediaGoogleID: googleID}
	}

	if err := os.Remove(filePath); err != nil {
		log.Warn("local_import.file.cleanup_failed", "error", err)
	}

	result.Success = true
	result.Status = StatusSuccess
	result.ImportedFilename = path.Base(rel)
	result.ImportedPath = dest
	result.RelativePath = rel
	log.Info("local_import.file.success", "media_id", *result.MediaID, "rel_path", rel)
	return result
}

// createRows persists the MediaItem, Media and Exif rows for a new import
// inside tx.
func (im *Importer) createRows(tx *gorm.DB, an *analyzer.Analysis, googleID, rel string) (*database.Media, error) {
	item := database.MediaItem{
		ID:       googleID,
		MimeType: an.MimeType,
		Filename: path.Base(rel),
		Width:    an.Width,
		Height:   an.Height,
	}
	if an.IsVideo {
		item.Type = database.MediaItemTypeVideo
		vm := &database.VideoMetadata{
			MediaItemID:      googleID,
			CameraMake:       an.CameraMake,
			CameraModel:      an.CameraModel,
			ProcessingStatus: "READY",
		}
		if fps, ok := an.VideoMetadata["fps"].(float64); ok && fps > 0 {
			vm.FPS = &fps
		}
		item.VideoMetadata = vm
	} else {
		item.Type = database.MediaItemTypePhoto
		item.PhotoMetadata = &database.PhotoMetadata{
			MediaItemID: googleID,
			CameraMake:  an.CameraMake,
			CameraModel: an.CameraModel,
		}
	}
	if err := tx.Create(&item).Error; err != nil {
		return nil, fmt.Errorf("create media item: %w", err)
	}

	media := database.Media{
		GoogleMediaID: googleID,
		LocalRelPath:  rel,
		Filename:      path.Base(rel),
		HashSHA256:    an.FileHash,
		Bytes:         an.FileSize,
		MimeType:      an.MimeType,
		Width:         an.Width,
		Height:        an.Height,
		DurationMS:    an.DurationMS,
		ShotAt:        an.ShotAt,
		ImportedAt:    time.Now().UTC(),
		Orientation:   an.Orientation,
		IsVideo:       an.IsVideo,
		CameraMake:    strPtrOrNil(an.CameraMake),
		CameraModel:   strPtrOrNil(an.CameraModel),
	}
	if err := tx.Create(&media).Error; err != nil {
		return nil, fmt.Errorf("create media: %w", err)
	}

	if len(an.ExifData) > 0 {
		exifRow := database.Exif{
			MediaID:     media.ID,
			Raw:         database.JSONMap(an.ExifData),
			CameraMake:  an.CameraMake,
			CameraModel: an.CameraModel,
			TakenAt:     an.ShotAt,
			Orientation: an.Orientation,
		}
		if err := tx.Create(&exifRow).Error; err != nil {
			return nil, fmt.Errorf("create exif: %w", err)
		}
	}
	return &media, nil
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
