// Package session owns the PickerSession aggregate: status transitions,
// the stats blob, the cancellation latch, and progress commits that survive
// a poisoned transaction. Status moves only through this service so
// ordering stays consistent.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/taskrunner"
)

// Stage values inside the stats blob, finer grained than the session status.
const (
	StageExpanding = "expanding"
	StageProgress  = "progress"
	StageCompleted = "completed"
	StageCanceled  = "canceled"
	StageError     = "error"
)

// Recognized stats keys. Unknown keys are preserved across writes.
const (
	StatsKeyStage           = "stage"
	StatsKeyTotal           = "total"
	StatsKeySuccess         = "success"
	StatsKeySkipped         = "skipped"
	StatsKeyFailed          = "failed"
	StatsKeyPending         = "pending"
	StatsKeyReason          = "reason"
	StatsKeyCancelRequested = "cancel_requested"
	StatsKeyCanceledAt      = "canceled_at"
	StatsKeyCeleryTaskID    = "celery_task_id"
	StatsKeyTasks           = "tasks"
	StatsKeyThumbnails      = "thumbnails"
)

// Failure reasons surfaced through stats.reason.
const (
	ReasonImportDirMissing      = "import_dir_missing"
	ReasonDestinationDirMissing = "destination_dir_missing"
	ReasonNoFilesFound          = "no_files_found"
)

// StatusTerminal reports whether a session status is terminal.
func StatusTerminal(status string) bool {
	switch status {
	case database.SessionStatusImported, database.SessionStatusError,
		database.SessionStatusCanceled, database.SessionStatusExpired,
		database.SessionStatusFailed:
		return true
	}
	return false
}

// Service is the session aggregate's single writer.
type Service struct {
	db     *gorm.DB
	log    hclog.Logger
	runner taskrunner.Runner
}

// NewService creates a session service.
func NewService(db *gorm.DB, log hclog.Logger, runner taskrunner.Runner) *Service {
	return &Service{db: db, log: log.Named("session"), runner: runner}
}

// Create creates a session in expanding state. accountID is nil for local
// imports.
func (s *Service) Create(accountID *uint) (*database.PickerSession, error) {
	sess := &database.PickerSession{
		SessionID: uuid.NewString(),
		Status:    database.SessionStatusExpanding,
		AccountID: accountID,
		Stats:     database.JSONMap{},
	}
	if err := s.db.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get loads a session by its public session id.
func (s *Service) Get(sessionID string) (*database.PickerSession, error) {
	var sess database.PickerSession
	if err := s.db.Where("session_id = ?", sessionID).First(&sess).Error; err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// ProgressUpdate describes one progress commit. Nil fields are untouched.
// An empty Stage clears the stage key. Stats entries with nil values delete
// the key; everything else merges over the existing blob so unknown keys
// survive.
type ProgressUpdate struct {
	Status       *string
	Stage        *string
	CeleryTaskID *string
	Stats        map[string]any
}

// SetProgress applies the update and commits. On a failed commit (the
// shared transaction context may have been poisoned by an earlier per-file
// error) it re-reads the row, reapplies the same mutations, and commits
// again; only a second failure propagates.
func (s *Service) SetProgress(sess *database.PickerSession, upd ProgressUpdate) error {
	apply := func(target *database.PickerSession) {
		now := time.Now().UTC()
		target.LastProgressAt = &now
		if upd.Status != nil {
			target.Status = *upd.Status
		}
		stats := target.Stats.Clone()
		if upd.Stage != nil {
			if *upd.Stage == "" {
				delete(stats, StatsKeyStage)
			} else {
				stats[StatsKeyStage] = *upd.Stage
			}
		}
		if upd.CeleryTaskID != nil {
			stats[StatsKeyCeleryTaskID] = *upd.CeleryTaskID
		}
		for k, v := range upd.Stats {
			if v == nil {
				delete(stats, k)
			} else {
				stats[k] = v
			}
		}
		target.Stats = stats
	}

	apply(sess)
	err := s.db.Save(sess).Error
	if err == nil {
		return nil
	}

	s.log.Warn("local_import.session.progress_retry",
		"session_id", sess.SessionID, "error", err)

	var fresh database.PickerSession
	if qerr := s.db.Session(&gorm.Session{NewDB: true}).First(&fresh, sess.ID).Error; qerr != nil {
		s.log.Error("local_import.session.progress_update_failed",
			"session_id", sess.SessionID, "error", qerr)
		return fmt.Errorf("reload session for progress retry: %w", qerr)
	}
	apply(&fresh)
	if err2 := s.db.Session(&gorm.Session{NewDB: true}).Save(&fresh).Error; err2 != nil {
		s.log.Error("local_import.session.progress_update_failed",
			"session_id", sess.SessionID, "error", err2)
		return fmt.Errorf("commit session progress: %w", err2)
	}
	*sess = fresh
	return nil
}

// CancelRequested reports whether the session should stop: either the task
// runner aborted the driving task, or a re-read of the row shows a canceled
// status or the cancel_requested latch. A failed read falls back to a fresh
// query by primary key.
func (s *Service) CancelRequested(sess *database.PickerSession, taskID string) bool {
	if taskID != "" && s.runner != nil && s.runner.IsAborted(taskID) {
		return true
	}

	var fresh database.PickerSession
	err := s.db.Where("session_id = ?", sess.SessionID).First(&fresh).Error
	if err != nil {
		err = s.db.Session(&gorm.Session{NewDB: true}).First(&fresh, sess.ID).Error
	}
	if err != nil {
		s.log.Warn("local_import.cancel.read_failed", "session_id", sess.SessionID, "error", err)
		return false
	}
	return fresh.Status == database.SessionStatusCanceled ||
		fresh.Stats.GetBool(StatsKeyCancelRequested)
}

// RequestCancel sets the cancel latch on a session.
func (s *Service) RequestCancel(sessionID string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	return s.SetProgress(sess, ProgressUpdate{
		Stats: map[string]any{StatsKeyCancelRequested: true},
	})
}

// CountSelections tallies a session's selections by status.
func (s *Service) CountSelections(sess *database.PickerSession) (map[string]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := s.db.Model(&database.PickerSelection{}).
		Select("status, count(*) as n").
		Where("session_id = ?", sess.ID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count selections: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
