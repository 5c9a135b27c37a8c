package localimport

import (
	"strconv"

	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/taskrecord"
	"github.com/fotoark/fotoark/internal/thumbs"
)

// Thumbnail snapshot statuses.
const (
	ThumbStatusIdle      = "idle"
	ThumbStatusProgress  = "progress"
	ThumbStatusError     = "error"
	ThumbStatusCompleted = "completed"
)

// ThumbnailEntry is one media's thumbnail readiness.
type ThumbnailEntry struct {
	MediaID uint   `json:"media_id"`
	Status  string `json:"status"`
}

// ThumbnailSnapshot aggregates thumbnail readiness across a session's
// imported selections, joined against the latest retry record per media.
type ThumbnailSnapshot struct {
	Status    string           `json:"status"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Pending   int              `json:"pending"`
	Failed    int              `json:"failed"`
	Entries   []ThumbnailEntry `json:"entries"`
}

// thumbnailSnapshot computes the snapshot for sess: imported selections →
// Media → latest thumbnail.retry record.
func thumbnailSnapshot(db *gorm.DB, records *taskrecord.Store, sess *database.PickerSession) (*ThumbnailSnapshot, error) {
	var mediaIDs []uint
	err := db.Model(&database.PickerSelection{}).
		Where("session_id = ? AND status = ? AND media_id IS NOT NULL", sess.ID, database.SelectionStatusImported).
		Order("media_id ASC").
		Pluck("media_id", &mediaIDs).Error
	if err != nil {
		return nil, err
	}

	snap := &ThumbnailSnapshot{Status: ThumbStatusIdle, Entries: []ThumbnailEntry{}}
	if len(mediaIDs) == 0 {
		return snap, nil
	}

	var medias []database.Media
	if err := db.Where("id IN ?", mediaIDs).Find(&medias).Error; err != nil {
		return nil, err
	}

	objectIDs := make([]string, len(mediaIDs))
	for i, id := range mediaIDs {
		objectIDs[i] = strconv.FormatUint(uint64(id), 10)
	}
	latest, err := records.LatestByObject(thumbs.TaskNameRetry, "media", objectIDs)
	if err != nil {
		return nil, err
	}

	for i := range medias {
		media := &medias[i]
		status := ThumbStatusIdle
		if media.ThumbnailRelPath != nil && *media.ThumbnailRelPath != "" {
			status = ThumbStatusCompleted
		} else if rec, ok := latest[strconv.FormatUint(uint64(media.ID), 10)]; ok {
			switch rec.Status {
			case database.TaskStatusScheduled, database.TaskStatusQueued, database.TaskStatusRunning:
				status = ThumbStatusProgress
			case database.TaskStatusFailed, database.TaskStatusCanceled:
				status = ThumbStatusError
			case database.TaskStatusSuccess:
				status = ThumbStatusCompleted
			}
		}

		snap.Total++
		switch status {
		case ThumbStatusCompleted:
			snap.Completed++
		case ThumbStatusProgress:
			snap.Pending++
		case ThumbStatusError:
			snap.Failed++
		}
		snap.Entries = append(snap.Entries, ThumbnailEntry{MediaID: media.ID, Status: status})
	}

	switch {
	case snap.Pending > 0:
		snap.Status = ThumbStatusProgress
	case snap.Failed > 0:
		snap.Status = ThumbStatusError
	case snap.Completed > 0:
		snap.Status = ThumbStatusCompleted
	}
	return snap, nil
}

// asStats renders the snapshot for the session stats blob.
func (s *ThumbnailSnapshot) asStats() map[string]any {
	entries := make([]any, len(s.Entries))
	for i, e := range s.Entries {
		entries[i] = map[string]any{"media_id": e.MediaID, "status": e.Status}
	}
	return map[string]any{
		"status":    s.Status,
		"total":     s.Total,
		"completed": s.Completed,
		"pending":   s.Pending,
		"failed":    s.Failed,
		"entries":   entries,
	}
}
