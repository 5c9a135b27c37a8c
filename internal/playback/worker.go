package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
	"github.com/fotoark/fotoark/internal/fsutil"
)

// Worker outcome notes. Wire-visible in importer warnings and task results.
const (
	NoteNotFound       = "not_found"
	NoteAlreadyDone    = "already_done"
	NoteAlreadyRunning = "already_running"
	NoteMissingInput   = "missing_input"
	NotePassthrough    = "passthrough"
	NoteMissingStream  = "missing_stream"
	NoteFFmpegError    = "ffmpeg_error"
	NoteFFmpegMissing  = "ffmpeg_missing"
	NoteCompleted      = "completed"
)

const (
	targetMaxWidth  = 1920
	targetMaxHeight = 1080
	maxStderrBytes  = 4096
)

// ProcessResult reports one transcode worker invocation.
type ProcessResult struct {
	OK         bool   `json:"ok"`
	Note       string `json:"note,omitempty"`
	Error      string `json:"error,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	PosterPath string `json:"poster_path,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Worker transcodes one pending MediaPlayback row into the std1080p
// rendition.
type Worker struct {
	db    *gorm.DB
	log   hclog.Logger
	tc    ffmpeg.Transcoder
	paths config.PathsConfig
	cfg   config.TranscodeConfig
}

// NewWorker creates a transcode worker.
func NewWorker(db *gorm.DB, log hclog.Logger, tc ffmpeg.Transcoder, paths config.PathsConfig, cfg config.TranscodeConfig) *Worker {
	return &Worker{db: db, log: log.Named("transcode.worker"), tc: tc, paths: paths, cfg: cfg}
}

// WithDB returns a copy of the worker bound to db, so callers holding a
// transaction can run the worker inside it.
func (w *Worker) WithDB(db *gorm.DB) *Worker {
	clone := *w
	clone.db = db
	return &clone
}

// Process runs the transcode for playbackID. The pending-to-processing
// update is conditional on the current status, so concurrent invocations
// against the same row cannot both proceed.
func (w *Worker) Process(ctx context.Context, playbackID uint) (*ProcessResult, error) {
	var row database.MediaPlayback
	if err := w.db.First(&row, playbackID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return &ProcessResult{OK: false, Note: NoteNotFound}, nil
		}
		return nil, fmt.Errorf("load playback %d: %w", playbackID, err)
	}

	switch row.Status {
	case database.PlaybackStatusDone:
		return &ProcessResult{
			OK: true, Note: NoteAlreadyDone,
			Width: row.Width, Height: row.Height, DurationMS: row.DurationMS,
		}, nil
	case database.PlaybackStatusProcessing:
		return &ProcessResult{OK: false, Note: NoteAlreadyRunning}, nil
	}

	var media database.Media
	if err := w.db.First(&media, row.MediaID).Error; err != nil {
		return nil, fmt.Errorf("load media %d: %w", row.MediaID, err)
	}

	source := filepath.Join(w.paths.OriginalsDir, filepath.FromSlash(fsutil.NormalizeSlashes(media.LocalRelPath)))
	if !fsutil.FileExists(source) {
		w.markError(&row, NoteMissingInput)
		return &ProcessResult{OK: false, Note: NoteMissingInput}, nil
	}

	if !w.tc.Available() {
		// Leave the row pending; a later sweep retries once ffmpeg shows up.
		return &ProcessResult{OK: false, Note: NoteFFmpegMissing}, nil
	}

	claim := w.db.Model(&database.MediaPlayback{}).
		Where("id = ? AND status = ?", row.ID, row.Status).
		Update("status", database.PlaybackStatusProcessing)
	if claim.Error != nil {
		return nil, fmt.Errorf("claim playback %d: %w", row.ID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		return &ProcessResult{OK: false, Note: NoteAlreadyRunning}, nil
	}
	row.Status = database.PlaybackStatusProcessing
	// Once claimed, every failure must leave the row errored (or released)
	// so the next sweep can revive it.

	probe, err := w.tc.Probe(ctx, source)
	if err != nil {
		return w.failFFmpeg(&row, err)
	}

	relPath := fsutil.NormalizeSlashes(derefOr(row.RelPath, fsutil.ReplaceSuffix(fsutil.NormalizeSlashes(media.LocalRelPath), ".mp4")))
	dest := filepath.Join(w.paths.PlaybackDir, filepath.FromSlash(relPath))

	if isCompliantMP4(probe) {
		if err := fsutil.EnsureParentDir(dest); err != nil {
			w.markError(&row, err.Error())
			return nil, err
		}
		if err := fsutil.CopyFile(source, dest); err != nil {
			err = fmt.Errorf("passthrough copy: %w", err)
			w.markError(&row, err.Error())
			return nil, err
		}
		if err := w.finish(&row, &media, relPath, "", probe); err != nil {
			w.markError(&row, err.Error())
			return nil, err
		}
		w.log.Info("playback passthrough", "media_id", media.ID, "playback_id", row.ID)
		return &ProcessResult{
			OK: true, Note: NotePassthrough, OutputPath: dest,
			Width: probe.Width, Height: probe.Height, DurationMS: probe.DurationMS,
		}, nil
	}

	temp := filepath.Join(w.paths.TempDir, fmt.Sprintf("transcode-%d.mp4", row.ID))
	if err := fsutil.EnsureParentDir(temp); err != nil {
		w.markError(&row, err.Error())
		return nil, err
	}
	defer os.Remove(temp)

	err = w.tc.Transcode(ctx, source, temp, ffmpeg.TranscodeParams{
		MaxWidth:  targetMaxWidth,
		MaxHeight: targetMaxHeight,
		CRF:       w.cfg.CRF,
		Preset:    w.cfg.Preset,
	})
	if err != nil {
		return w.failFFmpeg(&row, err)
	}

	outProbe, err := w.tc.Probe(ctx, temp)
	if err != nil {
		return w.failFFmpeg(&row, err)
	}
	if !outProbe.HasVideo || !outProbe.HasAudio {
		w.markError(&row, NoteMissingStream)
		return &ProcessResult{OK: false, Note: NoteMissingStream}, nil
	}

	if err := fsutil.EnsureParentDir(dest); err != nil {
		w.markError(&row, err.Error())
		return nil, err
	}
	if err := fsutil.MoveFile(temp, dest); err != nil {
		err = fmt.Errorf("move transcode output: %w", err)
		w.markError(&row, err.Error())
		return nil, err
	}

	posterRel := fsutil.ReplaceSuffix(relPath, ".jpg")
	posterDest := filepath.Join(w.paths.PlaybackDir, filepath.FromSlash(posterRel))
	if err := w.tc.ExtractFrame(ctx, dest, posterDest, w.cfg.PosterOffset); err != nil {
		w.log.Warn("poster extraction failed", "playback_id", row.ID, "error", err)
		posterRel = ""
		os.Remove(posterDest)
	}

	if err := w.finish(&row, &media, relPath, posterRel, outProbe); err != nil {
		w.markError(&row, err.Error())
		return nil, err
	}
	w.log.Info("playback transcoded",
		"media_id", media.ID, "playback_id", row.ID,
		"width", outProbe.Width, "height", outProbe.Height)

	result := &ProcessResult{
		OK: true, Note: NoteCompleted, OutputPath: dest,
		Width: outProbe.Width, Height: outProbe.Height, DurationMS: outProbe.DurationMS,
	}
	if posterRel != "" {
		result.PosterPath = posterDest
	}
	return result, nil
}

func (w *Worker) finish(row *database.MediaPlayback, media *database.Media, relPath, posterRel string, probe *ffmpeg.ProbeResult) error {
	row.RelPath = &relPath
	if posterRel != "" {
		row.PosterRelPath = &posterRel
	}
	row.Width = probe.Width
	row.Height = probe.Height
	row.VideoCodec = probe.VideoCodec
	row.AudioCodec = probe.AudioCodec
	row.BitrateKbps = probe.BitrateKbps
	row.DurationMS = probe.DurationMS
	row.Status = database.PlaybackStatusDone
	row.ErrorMsg = nil
	if err := w.db.Save(row).Error; err != nil {
		return fmt.Errorf("finish playback: %w", err)
	}
	if err := w.db.Model(&database.Media{}).Where("id = ?", media.ID).
		Update("has_playback", true).Error; err != nil {
		return fmt.Errorf("flag has_playback: %w", err)
	}
	media.HasPlayback = true
	return nil
}

func (w *Worker) failFFmpeg(row *database.MediaPlayback, err error) (*ProcessResult, error) {
	if errors.Is(err, ffmpeg.ErrNotAvailable) {
		// Release the claim so a later sweep retries.
		w.db.Model(&database.MediaPlayback{}).Where("id = ?", row.ID).
			Update("status", database.PlaybackStatusPending)
		return &ProcessResult{OK: false, Note: NoteFFmpegMissing}, nil
	}
	summary := err.Error()
	var execErr *ffmpeg.ExecError
	if errors.As(err, &execErr) {
		summary = summarizeStderr(execErr.Stderr)
	}
	w.markError(row, summary)
	return &ProcessResult{OK: false, Note: NoteFFmpegError, Error: summary}, nil
}

func (w *Worker) markError(row *database.MediaPlayback, msg string) {
	row.Status = database.PlaybackStatusError
	row.ErrorMsg = &msg
	if err := w.db.Save(row).Error; err != nil {
		w.log.Error("failed to persist playback error", "playback_id", row.ID, "error", err)
	}
}

// summarizeStderr reduces ffmpeg stderr to a bounded message, preferring
// the lines that usually carry the actionable cause.
func summarizeStderr(stderr string) string {
	if len(stderr) > maxStderrBytes {
		stderr = stderr[len(stderr)-maxStderrBytes:]
	}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")

	var preferred []string
	for _, line := range lines {
		l := strings.ToLower(line)
		if strings.Contains(l, "width") || strings.Contains(l, "height") || strings.Contains(l, "not divisible") {
			preferred = append(preferred, strings.TrimSpace(line))
		}
	}
	if len(preferred) > 0 {
		return strings.Join(preferred, "; ")
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	summary := strings.Join(lines, "; ")
	if summary == "" {
		summary = "ffmpeg failed"
	}
	return summary
}

// isCompliantMP4 reports whether the source already satisfies the std1080p
// constraints and can be copied as-is.
func isCompliantMP4(probe *ffmpeg.ProbeResult) bool {
	return strings.Contains(probe.FormatName, "mp4") &&
		probe.HasVideo && probe.HasAudio &&
		probe.VideoCodec == "h264" && probe.AudioCodec == "aac" &&
		probe.Width <= targetMaxWidth && probe.Height <= targetMaxHeight
}

func derefOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}
