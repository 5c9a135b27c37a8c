package thumbs

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/taskrecord"
)

// MonitorStats summarizes one monitor sweep.
type MonitorStats struct {
	Cleared     int `json:"cleared"`
	Rescheduled int `json:"rescheduled"`
	Disabled    int `json:"disabled"`
}

// Monitor sweeps overdue thumbnail retry records, re-attempting generation
// for each and clearing, rescheduling, or disabling the record based on the
// outcome. It also surfaces retry-disabled records once in the log so an
// operator notices permanently blocked media.
type Monitor struct {
	db        *gorm.DB
	records   *taskrecord.Store
	worker    *Worker
	scheduler *Scheduler
	log       hclog.Logger
	now       func() time.Time
}

// NewMonitor creates a retry monitor.
func NewMonitor(db *gorm.DB, records *taskrecord.Store, worker *Worker, scheduler *Scheduler, log hclog.Logger) *Monitor {
	return &Monitor{
		db:        db,
		records:   records,
		worker:    worker,
		scheduler: scheduler,
		log:       log.Named("thumbs.monitor"),
		now:       time.Now,
	}
}

// Run processes all due retry records, then reports any newly
// retry-disabled records.
func (m *Monitor) Run(ctx context.Context) (MonitorStats, error) {
	var stats MonitorStats

	due, err := m.records.DueScheduled(TaskNameRetry, m.now().UTC())
	if err != nil {
		return stats, err
	}
	for i := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		rec := &due[i]
		switch m.attempt(ctx, rec) {
		case outcomeCleared:
			stats.Cleared++
		case outcomeRescheduled:
			stats.Rescheduled++
		case outcomeDisabled:
			stats.Disabled++
		}
	}

	if err := m.reportBlocked(); err != nil {
		return stats, err
	}
	m.log.Debug("retry monitor sweep complete",
		"due", len(due), "cleared", stats.Cleared, "rescheduled", stats.Rescheduled, "disabled", stats.Disabled)
	return stats, nil
}

type outcome int

const (
	outcomeCleared outcome = iota
	outcomeRescheduled
	outcomeDisabled
)

func (m *Monitor) attempt(ctx context.Context, rec *database.TaskRecord) outcome {
	mediaID, ok := recordMediaID(rec)
	if !ok {
		m.records.MarkFailed(rec, "invalid media object id", m.now().UTC())
		return outcomeDisabled
	}
	force := rec.Payload.GetBool("force")

	result, err := m.worker.Generate(ctx, m.db, mediaID, force)
	if err != nil {
		m.log.Error("retry generation failed", "media_id", mediaID, "error", err)
		m.records.MarkFailed(rec, err.Error(), m.now().UTC())
		return outcomeDisabled
	}
	if result.OK && result.Notes != NotesPlaybackNotReady {
		m.records.MarkSuccess(rec, database.JSONMap{
			"generated": result.Generated,
			"skipped":   result.Skipped,
		}, m.now().UTC())
		return outcomeCleared
	}

	sched, err := m.scheduler.ScheduleRetry(mediaID, force, result.RetryBlockers)
	if err != nil {
		m.log.Error("reschedule failed", "media_id", mediaID, "error", err)
		m.records.MarkFailed(rec, err.Error(), m.now().UTC())
		return outcomeDisabled
	}
	if sched.Scheduled {
		return outcomeRescheduled
	}
	return outcomeDisabled
}

// RunTask executes one deferred retry submitted through the task runner.
// The record bookkeeping matches a monitor attempt so the two paths stay
// interchangeable.
func (m *Monitor) RunTask(ctx context.Context, mediaID uint, force bool) error {
	objType := objectTypeMedia
	objID := strconv.FormatUint(uint64(mediaID), 10)
	rec, err := m.records.GetOrCreate(taskrecord.Key{
		TaskName:   TaskNameRetry,
		ObjectType: &objType,
		ObjectID:   &objID,
	})
	if err != nil {
		return err
	}
	if force || rec.Payload.GetBool("force") {
		rec.Payload["force"] = true
	}
	m.attempt(ctx, rec)
	return nil
}

// reportBlocked logs a single warning covering retry-disabled records not
// yet reported, then marks them reported so the warning fires once.
func (m *Monitor) reportBlocked() error {
	failed, err := m.records.Failed(TaskNameRetry)
	if err != nil {
		return err
	}
	var fresh []*database.TaskRecord
	for i := range failed {
		rec := &failed[i]
		if rec.Payload.GetBool("retry_disabled") && !rec.Payload.GetBool("monitor_reported") {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	sample := make([]string, 0, len(fresh))
	for _, rec := range fresh {
		if rec.ObjectID != nil {
			sample = append(sample, *rec.ObjectID)
		}
		if len(sample) == 10 {
			break
		}
	}
	m.log.Warn("thumbnail_generation.retry_monitor_blocked",
		"count", len(fresh), "media_ids", sample)

	for _, rec := range fresh {
		rec.Payload["monitor_reported"] = true
		if err := m.records.Save(rec); err != nil {
			return err
		}
	}
	return nil
}

func recordMediaID(rec *database.TaskRecord) (uint, bool) {
	if rec.ObjectID == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(*rec.ObjectID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
