package localimport

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/importer"
	"github.com/fotoark/fotoark/internal/scanner"
	"github.com/fotoark/fotoark/internal/session"
	"github.com/fotoark/fotoark/internal/taskrecord"
)

// RunResult is the use case's aggregate outcome.
type RunResult struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	OK        bool           `json:"ok"`
	Reason    string         `json:"reason,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Details   []FileDetail   `json:"details,omitempty"`
}

// UseCase drives one local import end to end: session attach, scan,
// enqueue, queue processing, finalization.
type UseCase struct {
	db       *gorm.DB
	log      hclog.Logger
	sessions *session.Service
	records  *taskrecord.Store
	importer *importer.Importer
	queue    *Queue
	paths    config.PathsConfig
}

// NewUseCase creates the local-import use case.
func NewUseCase(db *gorm.DB, log hclog.Logger, sessions *session.Service,
	records *taskrecord.Store, imp *importer.Importer, queue *Queue, paths config.PathsConfig) *UseCase {
	return &UseCase{
		db:       db,
		log:      log.Named("localimport"),
		sessions: sessions,
		records:  records,
		importer: imp,
		queue:    queue,
		paths:    paths,
	}
}

// Run executes a local import. sessionID attaches to an existing session;
// empty creates one. taskID is the driving task's external id, used for
// progress reports and abort polling.
func (u *UseCase) Run(ctx context.Context, sessionID, taskID string) (*RunResult, error) {
	var sess *database.PickerSession
	var err error
	if sessionID != "" {
		sess, err = u.sessions.Get(sessionID)
		if err != nil {
			return nil, err
		}
		u.log.Info("local_import.session.attach", "session_id", sess.SessionID)
	} else {
		sess, err = u.sessions.Create(nil)
		if err != nil {
			return nil, err
		}
		u.log.Info("local_import.session.created", "session_id", sess.SessionID)
	}

	result := &RunResult{SessionID: sess.SessionID}

	expanding := database.SessionStatusExpanding
	stage := session.StageExpanding
	upd := session.ProgressUpdate{
		Status: &expanding,
		Stage:  &stage,
		Stats: map[string]any{
			session.StatsKeyTotal:   0,
			session.StatsKeySuccess: 0,
			session.StatsKeySkipped: 0,
			session.StatsKeyFailed:  0,
			session.StatsKeyPending: 0,
		},
	}
	if taskID != "" {
		upd.CeleryTaskID = &taskID
	}
	if err := u.sessions.SetProgress(sess, upd); err != nil {
		return nil, err
	}

	if !dirExists(u.paths.ImportDir) {
		return u.failEarly(sess, result, session.ReasonImportDirMissing), nil
	}
	if !dirExists(u.paths.OriginalsDir) {
		return u.failEarly(sess, result, session.ReasonDestinationDirMissing), nil
	}

	sc := scanner.New(u.log, u.paths.TempDir)
	defer sc.Cleanup()

	files, err := sc.Scan(u.paths.ImportDir)
	if err != nil || len(files) == 0 {
		if err != nil {
			u.log.Error("local_import.scan.empty", "session_id", sess.SessionID, "error", err)
		} else {
			u.log.Info("local_import.scan.empty", "session_id", sess.SessionID)
		}
		return u.failEarly(sess, result, session.ReasonNoFilesFound), nil
	}
	u.log.Info("local_import.scan.complete", "session_id", sess.SessionID, "files", len(files))

	if err := u.enqueue(sess, files); err != nil {
		return nil, err
	}

	counts, err := u.sessions.CountSelections(sess)
	if err != nil {
		return nil, err
	}
	total := counts[database.SelectionStatusPending] +
		counts[database.SelectionStatusEnqueued] +
		counts[database.SelectionStatusRunning]

	processing := database.SessionStatusProcessing
	progress := session.StageProgress
	if err := u.sessions.SetProgress(sess, session.ProgressUpdate{
		Status: &processing,
		Stage:  &progress,
		Stats:  map[string]any{session.StatsKeyTotal: total},
	}); err != nil {
		return nil, err
	}

	outcome := &QueueOutcome{}
	defer u.finalize(sess, result, outcome)

	var selections []database.PickerSelection
	err = u.db.
		Where("session_id = ? AND status IN ?", sess.ID, []string{
			database.SelectionStatusPending,
			database.SelectionStatusEnqueued,
			database.SelectionStatusRunning,
		}).
		Order("id ASC").
		Find(&selections).Error
	if err != nil {
		return result, err
	}

	queueOutcome, err := u.queue.Process(ctx, sess, selections, taskID,
		func(ctx context.Context, sel *database.PickerSelection) *importer.Result {
			if sel.LocalFilePath == nil {
				return &importer.Result{Status: importer.StatusMissing, Reason: "no file path"}
			}
			return u.importer.ImportFile(ctx, *sel.LocalFilePath, importer.Options{SessionID: &sess.ID})
		})
	if err != nil {
		return result, err
	}
	*outcome = *queueOutcome
	result.Details = outcome.Details
	return result, nil
}

// enqueue upserts a selection per scanned file, keyed by the file path.
// Imported and dup selections from earlier runs are left alone; anything
// else, failed and skipped included, goes back to enqueued so a re-run
// retries it.
func (u *UseCase) enqueue(sess *database.PickerSession, files []string) error {
	now := time.Now().UTC()
	created, reset := 0, 0
	for _, file := range files {
		file := file
		base := path.Base(file)

		var sel database.PickerSelection
		err := u.db.
			Where("session_id = ? AND local_file_path = ?", sess.ID, file).
			First(&sel).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			sel = database.PickerSelection{
				SessionID:     sess.ID,
				LocalFilePath: &file,
				LocalFilename: &base,
				Status:        database.SelectionStatusEnqueued,
				EnqueuedAt:    &now,
			}
			if err := u.db.Create(&sel).Error; err != nil {
				return err
			}
			created++
		case err != nil:
			return err
		case sel.Status != database.SelectionStatusImported && sel.Status != database.SelectionStatusDup:
			sel.Status = database.SelectionStatusEnqueued
			sel.EnqueuedAt = &now
			sel.LocalFilePath = &file
			sel.LocalFilename = &base
			if err := u.db.Save(&sel).Error; err != nil {
				return err
			}
			reset++
		}
	}
	u.log.Info("local_import.queue.prepared",
		"session_id", sess.SessionID, "created", created, "reset", reset)
	return nil
}

// failEarly marks the session errored before any selection work started.
func (u *UseCase) failEarly(sess *database.PickerSession, result *RunResult, reason string) *RunResult {
	errStatus := database.SessionStatusError
	clearStage := ""
	if err := u.sessions.SetProgress(sess, session.ProgressUpdate{
		Status: &errStatus,
		Stage:  &clearStage,
		Stats:  map[string]any{session.StatsKeyReason: reason},
	}); err != nil {
		u.log.Error("local_import.session.progress_update_failed",
			"session_id", sess.SessionID, "error", err)
	}
	result.Status = database.SessionStatusError
	result.Reason = reason
	return result
}

// finalize recounts selections, assembles stats.tasks, decides the final
// session status and commits it. Errors are logged, never propagated, so
// scanner cleanup always runs.
func (u *UseCase) finalize(sess *database.PickerSession, result *RunResult, outcome *QueueOutcome) {
	counts, err := u.sessions.CountSelections(sess)
	if err != nil {
		u.log.Error("finalize recount failed", "session_id", sess.SessionID, "error", err)
		counts = map[string]int{}
	}
	success := counts[database.SelectionStatusImported]
	skipped := counts[database.SelectionStatusSkipped] + counts[database.SelectionStatusDup]
	failed := counts[database.SelectionStatusFailed]
	pendingRemaining := counts[database.SelectionStatusPending] +
		counts[database.SelectionStatusEnqueued] +
		counts[database.SelectionStatusRunning]
	processed := success + skipped + failed

	snap, err := thumbnailSnapshot(u.db, u.records, sess)
	if err != nil {
		u.log.Error("thumbnail snapshot failed", "session_id", sess.SessionID, "error", err)
		snap = &ThumbnailSnapshot{Status: ThumbStatusIdle, Entries: []ThumbnailEntry{}}
	}

	var final string
	switch {
	case outcome.Canceled:
		final = database.SessionStatusCanceled
	case pendingRemaining > 0 || snap.Status == ThumbStatusProgress:
		final = database.SessionStatusProcessing
	case failed > 0:
		final = database.SessionStatusError
	case snap.Status == ThumbStatusError:
		final = database.SessionStatusImported
	case processed > 0:
		final = database.SessionStatusImported
	default:
		final = database.SessionStatusReady
	}

	importTaskStatus := "completed"
	stage := session.StageCompleted
	switch final {
	case database.SessionStatusCanceled:
		importTaskStatus = "canceled"
		stage = session.StageCanceled
	case database.SessionStatusProcessing:
		importTaskStatus = "progress"
		stage = session.StageProgress
	case database.SessionStatusError:
		importTaskStatus = "error"
		stage = session.StageError
	}

	tasks := []any{map[string]any{
		"key":    "import",
		"label":  "インポート",
		"status": importTaskStatus,
		"counts": map[string]any{
			"total":   success + skipped + failed + pendingRemaining,
			"success": success,
			"skipped": skipped,
			"failed":  failed,
			"pending": pendingRemaining,
		},
	}}
	if snap.Status != ThumbStatusIdle {
		tasks = append(tasks, map[string]any{
			"key":    "thumbnails",
			"label":  "サムネイル生成",
			"status": snap.Status,
			"counts": map[string]any{
				"total":     snap.Total,
				"completed": snap.Completed,
				"failed":    snap.Failed,
				"pending":   snap.Pending,
			},
		})
	}

	stats := map[string]any{
		session.StatsKeySuccess:    success,
		session.StatsKeySkipped:    skipped,
		session.StatsKeyFailed:     failed,
		session.StatsKeyPending:    pendingRemaining,
		session.StatsKeyTasks:      tasks,
		session.StatsKeyThumbnails: snap.asStats(),
	}
	if final == database.SessionStatusCanceled {
		stats[session.StatsKeyCancelRequested] = false
		stats[session.StatsKeyCanceledAt] = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}

	if err := u.sessions.SetProgress(sess, session.ProgressUpdate{
		Status: &final,
		Stage:  &stage,
		Stats:  stats,
	}); err != nil {
		u.log.Error("local_import.session.progress_update_failed",
			"session_id", sess.SessionID, "error", err)
	}

	result.Status = final
	result.OK = final != database.SessionStatusError
	result.Counts = map[string]int{
		"success": success,
		"skipped": skipped,
		"failed":  failed,
		"pending": pendingRemaining,
	}
	u.log.Info("local_import.session.updated",
		"session_id", sess.SessionID, "status", final,
		"success", success, "skipped", skipped, "failed", failed, "pending", pendingRemaining)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
