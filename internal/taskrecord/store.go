// Package taskrecord persists background task invocations. Every worker
// family that needs "has this already been scheduled?" answers it from
// these rows, keyed by task name plus object identity.
package taskrecord

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/database"
)

// Store reads and writes TaskRecord rows.
type Store struct {
	db *gorm.DB
}

// NewStore creates a task record store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Key identifies the newest matching record for GetOrCreate. All fields are
// optional filters; at least one besides TaskName should be set.
type Key struct {
	TaskName       string
	ExternalTaskID *string
	ObjectType     *string
	ObjectID       *string
}

// GetOrCreate returns the newest record matching the key, creating a fresh
// scheduled record when none exists.
func (s *Store) GetOrCreate(key Key) (*database.TaskRecord, error) {
	q := s.db.Where("task_name = ?", key.TaskName)
	if key.ExternalTaskID != nil {
		q = q.Where("external_task_id = ?", *key.ExternalTaskID)
	}
	if key.ObjectType != nil {
		q = q.Where("object_type = ?", *key.ObjectType)
	}
	if key.ObjectID != nil {
		q = q.Where("object_id = ?", *key.ObjectID)
	}

	var record database.TaskRecord
	err := q.Order("id DESC").First(&record).Error
	if err == nil {
		return &record, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("query task record: %w", err)
	}

	record = database.TaskRecord{
		TaskName:       key.TaskName,
		ExternalTaskID: key.ExternalTaskID,
		ObjectType:     key.ObjectType,
		ObjectID:       key.ObjectID,
		Status:         database.TaskStatusScheduled,
		Payload:        database.JSONMap{},
	}
	if err := s.db.Create(&record).Error; err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}
	return &record, nil
}

// Save persists the record as-is.
func (s *Store) Save(record *database.TaskRecord) error {
	if err := s.db.Save(record).Error; err != nil {
		return fmt.Errorf("save task record: %w", err)
	}
	return nil
}

// MarkRunning stamps the record running with a start time.
func (s *Store) MarkRunning(record *database.TaskRecord, now time.Time) error {
	record.Status = database.TaskStatusRunning
	record.StartedAt = &now
	return s.Save(record)
}

// MarkSuccess finishes the record successfully, storing an optional result.
func (s *Store) MarkSuccess(record *database.TaskRecord, result database.JSONMap, now time.Time) error {
	record.Status = database.TaskStatusSuccess
	record.Result = result
	record.FinishedAt = &now
	record.ScheduledFor = nil
	return s.Save(record)
}

// MarkFailed finishes the record as failed with an error message.
func (s *Store) MarkFailed(record *database.TaskRecord, errMsg string, now time.Time) error {
	record.Status = database.TaskStatusFailed
	record.ErrorMessage = &errMsg
	record.FinishedAt = &now
	record.ScheduledFor = nil
	return s.Save(record)
}

// DueScheduled returns records for taskName whose scheduled_for has passed
// and whose status is still scheduled, oldest first.
func (s *Store) DueScheduled(taskName string, now time.Time) ([]database.TaskRecord, error) {
	var records []database.TaskRecord
	err := s.db.
		Where("task_name = ? AND status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?",
			taskName, database.TaskStatusScheduled, now).
		Order("scheduled_for ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query due task records: %w", err)
	}
	return records, nil
}

// Failed returns the failed records for taskName matching the payload flag
// filter. Used by the retry monitor to surface retry-disabled records.
func (s *Store) Failed(taskName string) ([]database.TaskRecord, error) {
	var records []database.TaskRecord
	err := s.db.
		Where("task_name = ? AND status = ?", taskName, database.TaskStatusFailed).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query failed task records: %w", err)
	}
	return records, nil
}

// LatestByObject returns the newest record per object id for taskName and
// objectType, for the given object ids. Used by the session finalizer's
// thumbnail snapshot.
func (s *Store) LatestByObject(taskName, objectType string, objectIDs []string) (map[string]database.TaskRecord, error) {
	if len(objectIDs) == 0 {
		return map[string]database.TaskRecord{}, nil
	}
	var records []database.TaskRecord
	err := s.db.
		Where("task_name = ? AND object_type = ? AND object_id IN ?", taskName, objectType, objectIDs).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query task records by object: %w", err)
	}
	latest := make(map[string]database.TaskRecord, len(records))
	for _, r := range records {
		if r.ObjectID != nil {
			latest[*r.ObjectID] = r
		}
	}
	return latest, nil
}
