// Package localimport orchestrates a local import run: scanning the drop
// directory, fanning files through the importer as session selections, and
// finalizing the session's stats.
package localimport

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/importer"
	"github.com/fotoark/fotoark/internal/session"
	"github.com/fotoark/fotoark/internal/taskrunner"
	"github.com/fotoark/fotoark/internal/thumbs"
)

// FileDetail is the per-file entry appended to the session's aggregate
// result.
type FileDetail struct {
	File       string         `json:"file"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	MediaID    *uint          `json:"media_id,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Thumbnails *thumbs.Result `json:"thumbnails,omitempty"`
}

// QueueOutcome summarizes one queue pass.
type QueueOutcome struct {
	Details  []FileDetail
	Canceled bool
}

// heartbeatInterval is how often a held selection lock is refreshed while
// its import runs. It must stay well under the watchdog's heartbeat
// timeout so a slow import is never reclaimed from a live worker.
const heartbeatInterval = 30 * time.Second

// Queue drains a session's pending selections through the importer, one
// file at a time in id order.
type Queue struct {
	db       *gorm.DB
	log      hclog.Logger
	sessions *session.Service
	runner   taskrunner.Runner
	workerID string

	// heartbeat overrides heartbeatInterval when positive.
	heartbeat time.Duration
}

// NewQueue creates a queue processor. workerID identifies this process in
// selection soft locks.
func NewQueue(db *gorm.DB, log hclog.Logger, sessions *session.Service, runner taskrunner.Runner, workerID string) *Queue {
	return &Queue{db: db, log: log.Named("queue"), sessions: sessions, runner: runner, workerID: workerID}
}

// Process runs every selection through importFn. Cancellation is polled
// before each selection; on detection the remaining selections stay
// enqueued and the session is marked canceled.
func (q *Queue) Process(ctx context.Context, sess *database.PickerSession,
	selections []database.PickerSelection, taskID string,
	importFn func(ctx context.Context, sel *database.PickerSelection) *importer.Result) (*QueueOutcome, error) {

	outcome := &QueueOutcome{}
	total := len(selections)

	for i := range selections {
		sel := &selections[i]

		if q.sessions.CancelRequested(sess, taskID) {
			q.log.Info("local_import.cancel.detected",
				"session_id", sess.SessionID, "processed", i, "remaining", total-i)
			canceled := database.SessionStatusCanceled
			stage := session.StageCanceled
			if err := q.sessions.SetProgress(sess, session.ProgressUpdate{
				Status: &canceled,
				Stage:  &stage,
			}); err != nil {
				q.log.Error("failed to mark session canceled", "session_id", sess.SessionID, "error", err)
			}
			outcome.Canceled = true
			break
		}

		now := time.Now().UTC()
		sel.Status = database.SelectionStatusRunning
		sel.StartedAt = &now
		sel.LockedBy = &q.workerID
		sel.LockHeartbeatAt = &now
		if err := q.db.Save(sel).Error; err != nil {
			// Run the import anyway; the terminal update below retries the row.
			q.log.Warn("selection running-commit failed", "selection_id", sel.ID, "error", err)
		}

		stopHeartbeat := q.startHeartbeat(sel)
		result := importFn(ctx, sel)
		stopHeartbeat()
		q.applyResult(sel, result)

		detail := FileDetail{
			Status:   result.Status,
			Reason:   result.Reason,
			MediaID:  result.MediaID,
			Warnings: result.Warnings,
		}
		if sel.LocalFilePath != nil {
			detail.File = *sel.LocalFilePath
		}
		if result.Thumbnails != nil {
			detail.Thumbnails = result.Thumbnails
		} else if result.PostProcess != nil {
			detail.Thumbnails = result.PostProcess.Thumbnails
		}
		outcome.Details = append(outcome.Details, detail)

		if taskID != "" {
			current := i + 1
			q.runner.ReportProgress(taskID, taskrunner.Progress{
				Current: current,
				Total:   total,
				Percent: float64(current) / float64(total) * 100,
				Status:  session.StageProgress,
				Message: fmt.Sprintf("%s: %s", path.Base(detail.File), result.Status),
			})
		}
	}
	return outcome, nil
}

// startHeartbeat refreshes the selection's lock heartbeat on an interval
// until the returned stop function is called.
func (q *Queue) startHeartbeat(sel *database.PickerSelection) func() {
	interval := q.heartbeat
	if interval <= 0 {
		interval = heartbeatInterval
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := time.Now().UTC()
				err := q.db.Model(&database.PickerSelection{}).
					Where("id = ? AND locked_by = ?", sel.ID, q.workerID).
					Update("lock_heartbeat_at", now).Error
				if err != nil {
					q.log.Warn("heartbeat refresh failed", "selection_id", sel.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// applyResult moves the selection to its terminal status from the import
// result and commits.
func (q *Queue) applyResult(sel *database.PickerSelection, result *importer.Result) {
	now := time.Now().UTC()
	sel.FinishedAt = &now
	sel.LockedBy = nil
	sel.LockHeartbeatAt = nil

	switch result.Status {
	case importer.StatusSuccess:
		sel.Status = database.SelectionStatusImported
		sel.MediaID = result.MediaID
		if result.MediaGoogleID != "" {
			gmid := result.MediaGoogleID
			sel.GoogleMediaID = &gmid
		}
	case importer.StatusDuplicate, importer.StatusDuplicateRefreshed:
		sel.Status = database.SelectionStatusDup
		sel.MediaID = result.MediaID
		if result.MediaGoogleID != "" {
			gmid := result.MediaGoogleID
			sel.GoogleMediaID = &gmid
		}
	case importer.StatusMissing, importer.StatusUnsupported, importer.StatusSkipped:
		sel.Status = database.SelectionStatusSkipped
		sel.Error = result.Reason
	default:
		sel.Status = database.SelectionStatusFailed
		sel.Error = result.Reason
	}

	if err := q.db.Save(sel).Error; err != nil {
		q.log.Error("selection terminal-commit failed", "selection_id", sel.ID, "error", err)
	}
}
