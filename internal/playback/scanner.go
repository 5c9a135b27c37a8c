// Package playback owns the std1080p derivative pipeline: a scanner that
// queues videos lacking a completed rendition, the transcode worker, and
// the post-processing service the importer calls after persisting a Media.
package playback

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/fsutil"
)

// SweepResult summarizes one scanner pass.
type SweepResult struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// Scanner finds videos without a completed std1080p rendition and creates
// or revives their pending playback rows.
type Scanner struct {
	db    *gorm.DB
	log   hclog.Logger
	paths config.PathsConfig
}

// NewScanner creates a transcode scanner.
func NewScanner(db *gorm.DB, log hclog.Logger, paths config.PathsConfig) *Scanner {
	return &Scanner{db: db, log: log.Named("transcode.scanner"), paths: paths}
}

// Sweep queues every eligible video, newest first. A video is skipped when
// its source file is gone or a std1080p row is already pending, processing
// or done.
func (s *Scanner) Sweep() (SweepResult, error) {
	var result SweepResult

	var videos []database.Media
	err := s.db.
		Where("is_video = ? AND has_playback = ? AND is_deleted = ?", true, false, false).
		Order("id DESC").
		Find(&videos).Error
	if err != nil {
		return result, fmt.Errorf("query videos without playback: %w", err)
	}

	for i := range videos {
		media := &videos[i]
		source := filepath.Join(s.paths.OriginalsDir, filepath.FromSlash(fsutil.NormalizeSlashes(media.LocalRelPath)))
		if !fsutil.FileExists(source) {
			s.log.Debug("skipping video with missing source", "media_id", media.ID, "path", source)
			result.Skipped++
			continue
		}

		queued, err := s.queueOne(media)
		if err != nil {
			return result, err
		}
		if queued {
			result.Queued++
		} else {
			result.Skipped++
		}
	}

	s.log.Info("transcode sweep complete", "queued", result.Queued, "skipped", result.Skipped)
	return result, nil
}

// Pending returns the ids of std1080p rows waiting for the worker, oldest
// first.
func (s *Scanner) Pending() ([]uint, error) {
	var ids []uint
	err := s.db.Model(&database.MediaPlayback{}).
		Where("preset = ? AND status = ?", database.PlaybackPresetStd1080p, database.PlaybackStatusPending).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query pending playback: %w", err)
	}
	return ids, nil
}

func (s *Scanner) queueOne(media *database.Media) (bool, error) {
	relPath := fsutil.ReplaceSuffix(fsutil.NormalizeSlashes(media.LocalRelPath), ".mp4")

	var row database.MediaPlayback
	err := s.db.
		Where("media_id = ? AND preset = ?", media.ID, database.PlaybackPresetStd1080p).
		Order("id DESC").First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row = database.MediaPlayback{
			MediaID: media.ID,
			Preset:  database.PlaybackPresetStd1080p,
			RelPath: &relPath,
			Status:  database.PlaybackStatusPending,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return false, fmt.Errorf("create playback row: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("query playback row: %w", err)
	}

	switch row.Status {
	case database.PlaybackStatusPending, database.PlaybackStatusProcessing, database.PlaybackStatusDone:
		return false, nil
	}

	// Revive the errored row for another attempt.
	row.Status = database.PlaybackStatusPending
	row.ErrorMsg = nil
	row.RelPath = &relPath
	if err := s.db.Save(&row).Error; err != nil {
		return false, fmt.Errorf("revive playback row: %w", err)
	}
	return true, nil
}
