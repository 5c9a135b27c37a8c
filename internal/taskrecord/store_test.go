package taskrecord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fotoark/fotoark/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewStore(db)
}

func strPtr(s string) *string { return &s }

func TestGetOrCreate(t *testing.T) {
	store := testStore(t)
	key := Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("7")}

	rec, err := store.GetOrCreate(key)
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, database.TaskStatusScheduled, rec.Status)

	again, err := store.GetOrCreate(key)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)

	other, err := store.GetOrCreate(Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("8")})
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, other.ID)
}

func TestGetOrCreateReturnsNewest(t *testing.T) {
	store := testStore(t)
	key := Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("7")}

	first, err := store.GetOrCreate(key)
	require.NoError(t, err)
	require.NoError(t, store.MarkSuccess(first, database.JSONMap{"generated": 4}, time.Now().UTC()))

	second := &database.TaskRecord{
		TaskName:   key.TaskName,
		ObjectType: key.ObjectType,
		ObjectID:   key.ObjectID,
		Status:     database.TaskStatusScheduled,
		Payload:    database.JSONMap{},
	}
	require.NoError(t, store.Save(second))

	got, err := store.GetOrCreate(key)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestDueScheduled(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	due, err := store.GetOrCreate(Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("1")})
	require.NoError(t, err)
	past := now.Add(-time.Minute)
	due.ScheduledFor = &past
	require.NoError(t, store.Save(due))

	future, err := store.GetOrCreate(Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("2")})
	require.NoError(t, err)
	later := now.Add(time.Hour)
	future.ScheduledFor = &later
	require.NoError(t, store.Save(future))

	// No scheduled_for at all: never due.
	_, err = store.GetOrCreate(Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("3")})
	require.NoError(t, err)

	running, err := store.GetOrCreate(Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("4")})
	require.NoError(t, err)
	running.ScheduledFor = &past
	require.NoError(t, store.Save(running))
	require.NoError(t, store.MarkRunning(running, now))

	records, err := store.DueScheduled("thumbnail.retry", now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, due.ID, records[0].ID)
}

func TestMarkTransitions(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	rec, err := store.GetOrCreate(Key{TaskName: "transcode.process", ObjectID: strPtr("5")})
	require.NoError(t, err)
	sched := now.Add(time.Minute)
	rec.ScheduledFor = &sched
	require.NoError(t, store.Save(rec))

	require.NoError(t, store.MarkRunning(rec, now))
	assert.Equal(t, database.TaskStatusRunning, rec.Status)
	assert.NotNil(t, rec.StartedAt)

	require.NoError(t, store.MarkFailed(rec, "boom", now))
	assert.Equal(t, database.TaskStatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "boom", *rec.ErrorMessage)
	assert.Nil(t, rec.ScheduledFor)

	require.NoError(t, store.MarkSuccess(rec, database.JSONMap{"ok": true}, now))
	assert.Equal(t, database.TaskStatusSuccess, rec.Status)
	assert.True(t, rec.Result.GetBool("ok"))
}

func TestLatestByObject(t *testing.T) {
	store := testStore(t)
	key := Key{TaskName: "thumbnail.retry", ObjectType: strPtr("media"), ObjectID: strPtr("9")}

	old, err := store.GetOrCreate(key)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(old, "first attempt", time.Now().UTC()))

	newer := &database.TaskRecord{
		TaskName:   key.TaskName,
		ObjectType: key.ObjectType,
		ObjectID:   key.ObjectID,
		Status:     database.TaskStatusScheduled,
		Payload:    database.JSONMap{},
	}
	require.NoError(t, store.Save(newer))

	latest, err := store.LatestByObject("thumbnail.retry", "media", []string{"9", "10"})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, newer.ID, latest["9"].ID)

	empty, err := store.LatestByObject("thumbnail.retry", "media", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
