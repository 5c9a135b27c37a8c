package thumbs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/taskrecord"
	"github.com/fotoark/fotoark/internal/taskrunner"
)

const (
	// TaskNameRetry is the persisted task name for deferred thumbnail
	// regeneration. Wire-visible in session stats.
	TaskNameRetry = "thumbnail.retry"

	// MaxAttempts caps how many deferred retries a single Media gets.
	MaxAttempts = 5

	// RetryCountdown is the delay before a scheduled retry fires.
	RetryCountdown = 300 * time.Second
)

const objectTypeMedia = "media"

// ScheduleResult reports one scheduling decision. Serialized into session
// stats and task record payloads.
type ScheduleResult struct {
	Scheduled    bool           `json:"scheduled"`
	Reason       string         `json:"reason,omitempty"`
	Countdown    int            `json:"countdown,omitempty"`
	CeleryTaskID string         `json:"celery_task_id,omitempty"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts,omitempty"`
	Blockers     map[string]any `json:"blockers,omitempty"`
}

// Scheduler persists bounded thumbnail retries as task records and submits
// the delayed executions to the task runner.
type Scheduler struct {
	records *taskrecord.Store
	runner  taskrunner.Runner
	log     hclog.Logger
	now     func() time.Time
}

// NewScheduler creates a retry scheduler.
func NewScheduler(records *taskrecord.Store, runner taskrunner.Runner, log hclog.Logger) *Scheduler {
	return &Scheduler{records: records, runner: runner, log: log.Named("thumbs.retry"), now: time.Now}
}

// ScheduleRetry schedules one more deferred generation attempt for mediaID,
// or disables further retries once the attempt budget is spent. The attempt
// counter lives in the record payload, so the cap holds across process
// restarts.
func (s *Scheduler) ScheduleRetry(mediaID uint, force bool, blockers map[string]any) (*ScheduleResult, error) {
	objType := objectTypeMedia
	objID := strconv.FormatUint(uint64(mediaID), 10)
	rec, err := s.records.GetOrCreate(taskrecord.Key{
		TaskName:   TaskNameRetry,
		ObjectType: &objType,
		ObjectID:   &objID,
	})
	if err != nil {
		return nil, fmt.Errorf("load retry record: %w", err)
	}
	if rec.Payload == nil {
		rec.Payload = database.JSONMap{}
	}

	attempts := rec.Payload.GetInt("attempts")
	if attempts >= MaxAttempts {
		rec.Status = database.TaskStatusFailed
		rec.ScheduledFor = nil
		rec.Payload["retry_disabled"] = true
		if blockers != nil {
			rec.Payload["blockers"] = blockers
		}
		if err := s.records.Save(rec); err != nil {
			return nil, fmt.Errorf("disable retry: %w", err)
		}
		s.log.Warn("thumbnail retry budget exhausted", "media_id", mediaID, "attempts", attempts)
		return &ScheduleResult{
			Scheduled:   false,
			Reason:      "max_attempts",
			Attempts:    attempts,
			MaxAttempts: MaxAttempts,
			Blockers:    blockers,
		}, nil
	}

	attempts++
	taskID, err := s.runner.SubmitDelayed(TaskNameRetry, map[string]any{
		"media_id": mediaID,
		"force":    force,
	}, RetryCountdown)
	if err != nil {
		return nil, fmt.Errorf("submit retry task: %w", err)
	}

	due := s.now().UTC().Add(RetryCountdown)
	rec.Status = database.TaskStatusScheduled
	rec.ScheduledFor = &due
	rec.ExternalTaskID = &taskID
	rec.Payload["attempts"] = attempts
	rec.Payload["force"] = force
	delete(rec.Payload, "retry_disabled")
	delete(rec.Payload, "monitor_reported")
	if blockers != nil {
		rec.Payload["blockers"] = blockers
	} else {
		delete(rec.Payload, "blockers")
	}
	if err := s.records.Save(rec); err != nil {
		return nil, fmt.Errorf("persist retry record: %w", err)
	}

	s.log.Info("thumbnail retry scheduled",
		"media_id", mediaID, "attempt", attempts, "countdown_sec", int(RetryCountdown.Seconds()))
	return &ScheduleResult{
		Scheduled:    true,
		Countdown:    int(RetryCountdown.Seconds()),
		CeleryTaskID: taskID,
		Attempts:     attempts,
		MaxAttempts:  MaxAttempts,
		Blockers:     blockers,
	}, nil
}
