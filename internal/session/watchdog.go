package session

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
)

// Watchdog reclaims selections whose worker went away: running rows with a
// lagging heartbeat go back to enqueued (or failed past the attempt cap),
// and stalled enqueued rows are re-published.
type Watchdog struct {
	db  *gorm.DB
	log hclog.Logger

	heartbeatTimeout time.Duration
	stalledAfter     time.Duration
	maxAttempts      int
}

// NewWatchdog creates a watchdog with the given thresholds.
func NewWatchdog(db *gorm.DB, log hclog.Logger, heartbeatTimeout, stalledAfter time.Duration, maxAttempts int) *Watchdog {
	return &Watchdog{
		db:               db,
		log:              log.Named("watchdog"),
		heartbeatTimeout: heartbeatTimeout,
		stalledAfter:     stalledAfter,
		maxAttempts:      maxAttempts,
	}
}

// SweepStats summarizes one watchdog pass.
type SweepStats struct {
	Reclaimed   int `json:"reclaimed"`
	Failed      int `json:"failed"`
	Republished int `json:"republished"`
}

// Sweep runs one pass at the given time.
func (w *Watchdog) Sweep(now time.Time) (SweepStats, error) {
	var stats SweepStats

	deadline := now.Add(-w.heartbeatTimeout)
	var stale []database.PickerSelection
	err := w.db.
		Where("status = ? AND (lock_heartbeat_at IS NULL OR lock_heartbeat_at < ?)",
			database.SelectionStatusRunning, deadline).
		Find(&stale).Error
	if err != nil {
		return stats, fmt.Errorf("query stale selections: %w", err)
	}

	for i := range stale {
		sel := &stale[i]
		sel.Attempts++
		sel.LockedBy = nil
		sel.LockHeartbeatAt = nil
		if sel.Attempts >= w.maxAttempts {
			sel.Status = database.SelectionStatusFailed
			sel.Error = "worker heartbeat lost"
			finished := now
			sel.FinishedAt = &finished
			stats.Failed++
		} else {
			sel.Status = database.SelectionStatusEnqueued
			enqueued := now
			sel.EnqueuedAt = &enqueued
			sel.StartedAt = nil
			stats.Reclaimed++
		}
		if err := w.db.Save(sel).Error; err != nil {
			w.log.Error("watchdog reclaim failed", "selection_id", sel.ID, "error", err)
		}
	}

	stalled := now.Add(-w.stalledAfter)
	res := w.db.Model(&database.PickerSelection{}).
		Where("status = ? AND enqueued_at IS NOT NULL AND enqueued_at < ?",
			database.SelectionStatusEnqueued, stalled).
		Update("enqueued_at", now)
	if res.Error != nil {
		return stats, fmt.Errorf("republish stalled selections: %w", res.Error)
	}
	stats.Republished = int(res.RowsAffected)

	if stats.Reclaimed+stats.Failed+stats.Republished > 0 {
		w.log.Info("watchdog sweep",
			"reclaimed", stats.Reclaimed, "failed", stats.Failed, "republished", stats.Republished)
	}
	return stats, nil
}
