package database

import (
	"time"
)

// MediaItemType classifies the content of a MediaItem.
const (
	MediaItemTypePhoto       = "PHOTO"
	MediaItemTypeVideo       = "VIDEO"
	MediaItemTypeUnspecified = "TYPE_UNSPECIFIED"
)

// Playback presets. std1080p is the only preset the core schedules.
const (
	PlaybackPresetOriginal = "original"
	PlaybackPresetPreview  = "preview"
	PlaybackPresetMobile   = "mobile"
	PlaybackPresetStd1080p = "std1080p"
)

// Playback row statuses.
const (
	PlaybackStatusPending    = "pending"
	PlaybackStatusProcessing = "processing"
	PlaybackStatusDone       = "done"
	PlaybackStatusError      = "error"
)

// Picker session statuses.
const (
	SessionStatusPending    = "pending"
	SessionStatusExpanding  = "expanding"
	SessionStatusProcessing = "processing"
	SessionStatusImporting  = "importing"
	SessionStatusImported   = "imported"
	SessionStatusError      = "error"
	SessionStatusCanceled   = "canceled"
	SessionStatusExpired    = "expired"
	SessionStatusFailed     = "failed"
	SessionStatusReady      = "ready"
)

// Picker selection statuses. A selection is terminal iff its status is one
// of imported, dup, failed, skipped, expired, canceled.
const (
	SelectionStatusPending  = "pending"
	SelectionStatusEnqueued = "enqueued"
	SelectionStatusRunning  = "running"
	SelectionStatusImported = "imported"
	SelectionStatusDup      = "dup"
	SelectionStatusFailed   = "failed"
	SelectionStatusSkipped  = "skipped"
	SelectionStatusExpired  = "expired"
	SelectionStatusCanceled = "canceled"
)

// Task record statuses. The record's status is the single source of truth
// for "is this job still pending?".
const (
	TaskStatusScheduled = "scheduled"
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusSuccess   = "success"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// SelectionTerminal reports whether status is a terminal selection status.
func SelectionTerminal(status string) bool {
	switch status {
	case SelectionStatusImported, SelectionStatusDup, SelectionStatusFailed,
		SelectionStatusSkipped, SelectionStatusExpired, SelectionStatusCanceled:
		return true
	}
	return false
}

// Media is a catalog entry for one imported original. Among non-deleted
// rows, (hash_sha256, bytes) uniquely identifies logical content.
type Media struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	GoogleMediaID    string     `gorm:"column:google_media_id;size:128;index" json:"google_media_id"`
	AccountID        *uint      `json:"account_id,omitempty"`
	LocalRelPath     string     `gorm:"size:512" json:"local_rel_path"`
	Filename         string     `gorm:"size:255" json:"filename"`
	HashSHA256       string     `gorm:"column:hash_sha256;size:64;index:idx_media_content" json:"hash_sha256"`
	Bytes            int64      `gorm:"index:idx_media_content" json:"bytes"`
	MimeType         string     `gorm:"size:64" json:"mime_type"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	DurationMS       *int64     `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	ShotAt           *time.Time `json:"shot_at,omitempty"`
	ImportedAt       time.Time  `json:"imported_at"`
	Orientation      *int       `json:"orientation,omitempty"`
	IsVideo          bool       `json:"is_video"`
	IsDeleted        bool       `gorm:"index" json:"is_deleted"`
	HasPlayback      bool       `json:"has_playback"`
	ThumbnailRelPath *string    `gorm:"size:512" json:"thumbnail_rel_path,omitempty"`
	CameraMake       *string    `gorm:"size:128" json:"camera_make,omitempty"`
	CameraModel      *string    `gorm:"size:128" json:"camera_model,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MediaItem is the content descriptor paired 1:1 with a Media via
// google_media_id: what the file is, as opposed to where we put it.
type MediaItem struct {
	ID            string         `gorm:"primaryKey;size:128" json:"id"`
	Type          string         `gorm:"size:32" json:"type"`
	MimeType      string         `gorm:"size:64" json:"mime_type"`
	Filename      string         `gorm:"size:255" json:"filename"`
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	PhotoMetadata *PhotoMetadata `gorm:"constraint:OnDelete:CASCADE" json:"photo_metadata,omitempty"`
	VideoMetadata *VideoMetadata `gorm:"constraint:OnDelete:CASCADE" json:"video_metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PhotoMetadata holds photo capture details owned by a MediaItem.
type PhotoMetadata struct {
	ID              uint     `gorm:"primaryKey" json:"id"`
	MediaItemID     string   `gorm:"size:128;uniqueIndex" json:"media_item_id"`
	CameraMake      string   `gorm:"size:128" json:"camera_make"`
	CameraModel     string   `gorm:"size:128" json:"camera_model"`
	FocalLength     *float64 `json:"focal_length,omitempty"`
	ApertureFNumber *float64 `gorm:"column:aperture_f_number" json:"aperture_f_number,omitempty"`
	ISOEquivalent   *int     `gorm:"column:iso_equivalent" json:"iso_equivalent,omitempty"`
	ExposureTime    string   `gorm:"size:32" json:"exposure_time"`
}

// VideoMetadata holds video capture details owned by a MediaItem.
type VideoMetadata struct {
	ID               uint     `gorm:"primaryKey" json:"id"`
	MediaItemID      string   `gorm:"size:128;uniqueIndex" json:"media_item_id"`
	CameraMake       string   `gorm:"size:128" json:"camera_make"`
	CameraModel      string   `gorm:"size:128" json:"camera_model"`
	FPS              *float64 `gorm:"column:fps" json:"fps,omitempty"`
	ProcessingStatus string   `gorm:"size:32" json:"processing_status"`
}

// Exif holds raw and parsed EXIF for a Media, keyed by media_id.
type Exif struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	MediaID     uint       `gorm:"uniqueIndex" json:"media_id"`
	Raw         JSONMap    `gorm:"type:text" json:"raw"`
	CameraMake  string     `gorm:"size:128" json:"camera_make"`
	CameraModel string     `gorm:"size:128" json:"camera_model"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
	Orientation *int       `json:"orientation,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MediaPlayback is a derivative rendition of a video Media for one preset.
// At most one row per (media_id, preset) is considered active for
// scheduling; status done implies the rel_path file exists under the
// playback store.
type MediaPlayback struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MediaID       uint      `gorm:"index:idx_playback_media_preset" json:"media_id"`
	Preset        string    `gorm:"size:32;index:idx_playback_media_preset" json:"preset"`
	RelPath       *string   `gorm:"size:512" json:"rel_path,omitempty"`
	PosterRelPath *string   `gorm:"size:512" json:"poster_rel_path,omitempty"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	VideoCodec    string    `gorm:"size:32" json:"video_codec"`
	AudioCodec    string    `gorm:"size:32" json:"audio_codec"`
	BitrateKbps   int       `json:"bitrate_kbps"`
	DurationMS    int64     `gorm:"column:duration_ms" json:"duration_ms"`
	Status        string    `gorm:"size:16;index" json:"status"`
	ErrorMsg      *string   `gorm:"size:2048" json:"error_msg,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PickerSession is the user-visible ingestion job. Status transitions are
// driven exclusively by the session service.
type PickerSession struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      string     `gorm:"size:64;uniqueIndex" json:"session_id"`
	Status         string     `gorm:"size:16;index" json:"status"`
	AccountID      *uint      `json:"account_id,omitempty"`
	SelectedCount  int        `json:"selected_count"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	LastPolledAt   *time.Time `json:"last_polled_at,omitempty"`
	Stats          JSONMap    `gorm:"type:text" json:"stats"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PickerSelection is one file within a session, with its own lifecycle.
type PickerSelection struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	SessionID         uint       `gorm:"index;uniqueIndex:idx_selection_session_gmid" json:"session_id"`
	GoogleMediaID     *string    `gorm:"column:google_media_id;size:128;uniqueIndex:idx_selection_session_gmid" json:"google_media_id,omitempty"`
	LocalFilePath     *string    `gorm:"size:1024" json:"local_file_path,omitempty"`
	LocalFilename     *string    `gorm:"size:255" json:"local_filename,omitempty"`
	Status            string     `gorm:"size:16;index" json:"status"`
	Attempts          int        `json:"attempts"`
	EnqueuedAt        *time.Time `json:"enqueued_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Error             string     `gorm:"size:2048" json:"error"`
	MediaID           *uint      `json:"media_id,omitempty"`
	LockedBy          *string    `gorm:"size:128" json:"locked_by,omitempty"`
	LockHeartbeatAt   *time.Time `json:"lock_heartbeat_at,omitempty"`
	BaseURL           *string    `gorm:"size:2048" json:"base_url,omitempty"`
	BaseURLValidUntil *time.Time `json:"base_url_valid_until,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TaskRecord is the persisted, idempotent record of one background task
// invocation, indexed by (task_name, object_type, object_id).
type TaskRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TaskName       string     `gorm:"size:128;index:idx_task_object" json:"task_name"`
	ObjectType     *string    `gorm:"size:64;index:idx_task_object" json:"object_type,omitempty"`
	ObjectID       *string    `gorm:"size:128;index:idx_task_object" json:"object_id,omitempty"`
	ExternalTaskID *string    `gorm:"size:128;uniqueIndex" json:"external_task_id,omitempty"`
	Status         string     `gorm:"size:16;index" json:"status"`
	ScheduledFor   *time.Time `gorm:"index" json:"scheduled_for,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Payload        JSONMap    `gorm:"type:text" json:"payload"`
	Result         JSONMap    `gorm:"type:text" json:"result"`
	ErrorMessage   *string    `gorm:"size:2048" json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
