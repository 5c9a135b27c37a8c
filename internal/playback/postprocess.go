package playback

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/fsutil"
	"github.com/fotoark/fotoark/internal/thumbs"
)

// Error reports a failed playback preparation. The importer decides from
// the note whether the selection degrades to a warning or fails outright.
type Error struct {
	Note   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("playback not ready: %s: %s", e.Note, e.Detail)
	}
	return fmt.Sprintf("playback not ready: %s", e.Note)
}

// PrepareResult is the post-processing outcome attached to an import
// result under "post_process".
type PrepareResult struct {
	OK             bool                   `json:"ok"`
	Note           string                 `json:"note,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Playback       *ProcessResult         `json:"playback,omitempty"`
	Thumbnails     *thumbs.Result         `json:"thumbnails,omitempty"`
	ThumbnailRetry *thumbs.ScheduleResult `json:"thumbnail_retry,omitempty"`
}

// PostProcessor runs the derivative steps after a Media row exists: the
// std1080p transcode for videos, then thumbnails.
type PostProcessor struct {
	log    hclog.Logger
	worker *Worker
	thumbs *thumbs.Worker
	retry  *thumbs.Scheduler
	paths  config.PathsConfig
}

// NewPostProcessor creates a post-processing service.
func NewPostProcessor(log hclog.Logger, worker *Worker, thumbWorker *thumbs.Worker, retry *thumbs.Scheduler, paths config.PathsConfig) *PostProcessor {
	return &PostProcessor{
		log:    log.Named("postprocess"),
		worker: worker,
		thumbs: thumbWorker,
		retry:  retry,
		paths:  paths,
	}
}

// Prepare runs post-processing for media using db, which may be the
// importer's open transaction. force regenerates existing derivatives.
func (p *PostProcessor) Prepare(ctx context.Context, db *gorm.DB, media *database.Media, force bool) (*PrepareResult, error) {
	if !media.IsVideo {
		result := &PrepareResult{OK: true}
		p.runThumbnails(ctx, db, media, force, result)
		return result, nil
	}

	row, err := p.ensurePlaybackRow(db, media)
	if err != nil {
		return nil, err
	}

	if row.Status == database.PlaybackStatusDone && !force {
		if row.RelPath != nil && fsutil.FileExists(p.playbackAbs(*row.RelPath)) {
			result := &PrepareResult{OK: true, Note: NoteAlreadyDone}
			// Backfill thumbnails for media that predate thumbnail
			// generation, but only when a poster is there to work from.
			if media.ThumbnailRelPath == nil && p.posterExists(row) {
				p.runThumbnails(ctx, db, media, force, result)
			}
			return result, nil
		}
	}

	if row.Status == database.PlaybackStatusDone {
		// Regenerating, or the done row points at a vanished file.
		row.Status = database.PlaybackStatusPending
		row.ErrorMsg = nil
		if err := db.Save(row).Error; err != nil {
			return nil, fmt.Errorf("requeue playback: %w", err)
		}
	}

	proc, err := p.worker.WithDB(db).Process(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	result := &PrepareResult{OK: proc.OK, Note: proc.Note, Error: proc.Error, Playback: proc}
	if !proc.OK {
		return result, nil
	}

	if err := db.First(row, row.ID).Error; err != nil {
		return nil, fmt.Errorf("reload playback: %w", err)
	}
	if row.RelPath == nil || !fsutil.FileExists(p.playbackAbs(*row.RelPath)) {
		result.OK = false
		result.Note = NoteMissingInput
		result.Error = "playback file missing after transcode"
		return result, nil
	}

	p.runThumbnails(ctx, db, media, force, result)
	return result, nil
}

// runThumbnails runs the thumbnail worker and, when it reports the
// playback-not-ready sentinel, consults the retry scheduler. Thumbnail
// errors are recorded on the result without failing the preparation.
func (p *PostProcessor) runThumbnails(ctx context.Context, db *gorm.DB, media *database.Media, force bool, result *PrepareResult) {
	thumbRes, err := p.thumbs.Generate(ctx, db, media.ID, force)
	if err != nil {
		p.log.Warn("thumbnail generation failed", "media_id", media.ID, "error", err)
		result.Thumbnails = &thumbs.Result{OK: false, Notes: err.Error()}
		return
	}
	result.Thumbnails = thumbRes

	if thumbRes.OK && thumbRes.Notes == thumbs.NotesPlaybackNotReady {
		sched, err := p.retry.ScheduleRetry(media.ID, force, thumbRes.RetryBlockers)
		if err != nil {
			p.log.Error("retry scheduling failed", "media_id", media.ID, "error", err)
			return
		}
		result.ThumbnailRetry = sched
	}
}

func (p *PostProcessor) ensurePlaybackRow(db *gorm.DB, media *database.Media) (*database.MediaPlayback, error) {
	var row database.MediaPlayback
	err := db.
		Where("media_id = ? AND preset = ?", media.ID, database.PlaybackPresetStd1080p).
		Order("id DESC").First(&row).Error
	if err == nil {
		return &row, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("query playback row: %w", err)
	}

	relPath := fsutil.ReplaceSuffix(fsutil.NormalizeSlashes(media.LocalRelPath), ".mp4")
	row = database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		RelPath: &relPath,
		Status:  database.PlaybackStatusPending,
	}
	if err := db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create playback row: %w", err)
	}
	return &row, nil
}

func (p *PostProcessor) posterExists(row *database.MediaPlayback) bool {
	return row.PosterRelPath != nil && fsutil.FileExists(p.playbackAbs(*row.PosterRelPath))
}

func (p *PostProcessor) playbackAbs(rel string) string {
	return filepath.Join(p.paths.PlaybackDir, filepath.FromSlash(fsutil.NormalizeSlashes(rel)))
}
