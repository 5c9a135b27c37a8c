package importer

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/analyzer"
	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/fsutil"
)

// Refresher re-applies analysis to an existing Media when its content is
// re-imported, relocating the original and its playback assets to the
// canonical partition for the refreshed shot-at date.
type Refresher struct {
	log      hclog.Logger
	analyzer *analyzer.Analyzer
	paths    config.PathsConfig
}

// NewRefresher creates a metadata refresher.
func NewRefresher(log hclog.Logger, an *analyzer.Analyzer, paths config.PathsConfig) *Refresher {
	return &Refresher{log: log.Named("refresher"), analyzer: an, paths: paths}
}

// Refresh re-analyzes media and reconciles the catalog rows, preferring the
// archived file and falling back to inboundPath. All row updates and asset
// moves commit atomically; any failure rolls back and is only logged.
// Returns true iff a refresh actually committed changes.
func (r *Refresher) Refresh(ctx context.Context, db *gorm.DB, media *database.Media, inboundPath string) bool {
	source := filepath.Join(r.paths.OriginalsDir, filepath.FromSlash(fsutil.NormalizeSlashes(media.LocalRelPath)))
	if !fsutil.FileExists(source) {
		source = inboundPath
	}

	an, err := r.analyzer.Analyze(ctx, source)
	if err != nil {
		r.log.Error("local_import.file.duplicate_refresh_failed",
			"media_id", media.ID, "path", source, "error", err)
		return false
	}

	changed := false
	err = db.Transaction(func(tx *gorm.DB) error {
		moved, err := r.applyRefresh(tx, media, an)
		if err != nil {
			return err
		}
		changed = moved
		return nil
	})
	if err != nil {
		r.log.Error("local_import.file.duplicate_refresh_failed",
			"media_id", media.ID, "path", source, "error", err)
		return false
	}
	return changed
}

func (r *Refresher) applyRefresh(tx *gorm.DB, media *database.Media, an *analyzer.Analysis) (bool, error) {
	oldRel := fsutil.NormalizeSlashes(media.LocalRelPath)
	newRel := an.RelativePath

	changed := oldRel != newRel ||
		media.HashSHA256 != an.FileHash ||
		media.Bytes != an.FileSize ||
		media.MimeType != an.MimeType ||
		media.Width != an.Width ||
		media.Height != an.Height ||
		!timePtrEqual(media.ShotAt, an.ShotAt)

	var moves []assetMove
	if newRel != oldRel {
		oldAbs := filepath.Join(r.paths.OriginalsDir, filepath.FromSlash(oldRel))
		newAbs := filepath.Join(r.paths.OriginalsDir, filepath.FromSlash(newRel))
		if fsutil.FileExists(newAbs) && newAbs != oldAbs {
			// Never overwrite a distinct file; the hash suffix makes the
			// name unique per content.
			newRel = analyzer.DisambiguateRelPath(newRel, an.FileHash)
			newAbs = filepath.Join(r.paths.OriginalsDir, filepath.FromSlash(newRel))
		}
		if newRel != oldRel {
			rebased, err := r.rebasePlayback(tx, media.ID, newRel)
			if err != nil {
				return false, err
			}
			moves = append(moves, rebased...)
			// The original moves last, so a failed playback move aborts
			// before the file local_rel_path points at has left its old
			// location.
			if fsutil.FileExists(oldAbs) {
				moves = append(moves, assetMove{from: oldAbs, to: newAbs})
			}
		}
	}

	media.LocalRelPath = newRel
	media.Filename = path.Base(newRel)
	media.HashSHA256 = an.FileHash
	media.Bytes = an.FileSize
	media.MimeType = an.MimeType
	media.Width = an.Width
	media.Height = an.Height
	media.Orientation = an.Orientation
	media.DurationMS = an.DurationMS
	media.ShotAt = an.ShotAt
	media.CameraMake = strPtrOrNil(an.CameraMake)
	media.CameraModel = strPtrOrNil(an.CameraModel)
	if err := tx.Save(media).Error; err != nil {
		return false, err
	}

	if err := r.upsertExif(tx, media, an); err != nil {
		return false, err
	}
	if err := r.updateMediaItem(tx, media, an); err != nil {
		return false, err
	}

	for _, m := range moves {
		if m.from == m.to {
			continue
		}
		if fsutil.FileExists(m.to) {
			// Same content already in place; drop the stale copy.
			if err := os.Remove(m.from); err != nil {
				return false, err
			}
			continue
		}
		if err := fsutil.MoveFile(m.from, m.to); err != nil {
			return false, err
		}
	}
	return changed, nil
}

type assetMove struct {
	from string
	to   string
}

// rebasePlayback points every playback row of mediaID at the new partition
// and stem, keeping each asset's own suffix, and returns the file moves to
// perform once the row updates are in.
func (r *Refresher) rebasePlayback(tx *gorm.DB, mediaID uint, newRel string) ([]assetMove, error) {
	newParent := path.Dir(newRel)
	newStem := fsutil.Stem(newRel)

	var rows []database.MediaPlayback
	if err := tx.Where("media_id = ?", mediaID).Find(&rows).Error; err != nil {
		return nil, err
	}

	var moves []assetMove
	for i := range rows {
		row := &rows[i]
		rowChanged := false

		rebase := func(rel *string) *string {
			if rel == nil || *rel == "" {
				return rel
			}
			old := fsutil.NormalizeSlashes(*rel)
			rebased := path.Join(newParent, newStem+path.Ext(old))
			if rebased == old {
				return rel
			}
			oldAbs := filepath.Join(r.paths.PlaybackDir, filepath.FromSlash(old))
			newAbs := filepath.Join(r.paths.PlaybackDir, filepath.FromSlash(rebased))
			if fsutil.FileExists(oldAbs) {
				moves = append(moves, assetMove{from: oldAbs, to: newAbs})
			}
			rowChanged = true
			return &rebased
		}

		row.RelPath = rebase(row.RelPath)
		row.PosterRelPath = rebase(row.PosterRelPath)
		if rowChanged {
			if err := tx.Save(row).Error; err != nil {
				return nil, err
			}
		}
	}
	return moves, nil
}

func (r *Refresher) upsertExif(tx *gorm.DB, media *database.Media, an *analyzer.Analysis) error {
	var row database.Exif
	err := tx.Where("media_id = ?", media.ID).First(&row).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if err == gorm.ErrRecordNotFound {
		row = database.Exif{MediaID: media.ID}
	}
	row.Raw = database.JSONMap(an.ExifData)
	row.CameraMake = an.CameraMake
	row.CameraModel = an.CameraModel
	row.TakenAt = an.ShotAt
	row.Orientation = an.Orientation
	return tx.Save(&row).Error
}

func (r *Refresher) updateMediaItem(tx *gorm.DB, media *database.Media, an *analyzer.Analysis) error {
	var item database.MediaItem
	err := tx.Preload("PhotoMetadata").Preload("VideoMetadata").
		Where("id = ?", media.GoogleMediaID).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	item.MimeType = an.MimeType
	item.Filename = media.Filename
	item.Width = an.Width
	item.Height = an.Height
	if an.IsVideo {
		item.Type = database.MediaItemTypeVideo
		if item.VideoMetadata == nil {
			item.VideoMetadata = &database.VideoMetadata{MediaItemID: item.ID}
		}
		item.VideoMetadata.CameraMake = an.CameraMake
		item.VideoMetadata.CameraModel = an.CameraModel
		if fps, ok := an.VideoMetadata["fps"].(float64); ok && fps > 0 {
			item.VideoMetadata.FPS = &fps
		}
	} else {
		item.Type = database.MediaItemTypePhoto
		if item.PhotoMetadata == nil {
			item.PhotoMetadata = &database.PhotoMetadata{MediaItemID: item.ID}
		}
		item.PhotoMetadata.CameraMake = an.CameraMake
		item.PhotoMetadata.CameraModel = an.CameraModel
	}
	return tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&item).Error
}
