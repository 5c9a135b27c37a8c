package localimport

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/importer"
	"github.com/fotoark/fotoark/internal/session"
	"github.com/fotoark/fotoark/internal/taskrunner"
)

func TestProcessRefreshesHeartbeatDuringSlowImport(t *testing.T) {
	env := newRunEnv(t)

	// The refresher goroutine and the import share the database; one
	// connection keeps them on the same in-memory instance.
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	sess, err := env.sessions.Create(nil)
	require.NoError(t, err)

	file := "slow.jpg"
	sel := database.PickerSelection{
		SessionID:     sess.ID,
		LocalFilePath: &file,
		Status:        database.SelectionStatusEnqueued,
	}
	require.NoError(t, env.db.Create(&sel).Error)

	log := hclog.NewNullLogger()
	runner := taskrunner.NewInProcess(log)
	t.Cleanup(runner.Close)

	queue := NewQueue(env.db, log, env.sessions, runner, "slow-worker")
	queue.heartbeat = 25 * time.Millisecond

	watchdog := session.NewWatchdog(env.db, log, 125*time.Millisecond, time.Hour, 3)

	var heartbeat time.Time
	outcome, err := queue.Process(context.Background(), sess, []database.PickerSelection{sel}, "",
		func(ctx context.Context, s *database.PickerSelection) *importer.Result {
			// An import slower than the watchdog's heartbeat timeout.
			time.Sleep(250 * time.Millisecond)

			stats, err := watchdog.Sweep(time.Now().UTC())
			require.NoError(t, err)
			assert.Zero(t, stats.Reclaimed, "live worker's lock was reclaimed")
			assert.Zero(t, stats.Failed)

			var row database.PickerSelection
			require.NoError(t, env.db.First(&row, s.ID).Error)
			require.NotNil(t, row.LockHeartbeatAt)
			heartbeat = *row.LockHeartbeatAt
			return &importer.Result{Success: true, Status: importer.StatusSuccess}
		})
	require.NoError(t, err)
	require.Len(t, outcome.Details, 1)

	var row database.PickerSelection
	require.NoError(t, env.db.First(&row, sel.ID).Error)
	assert.Equal(t, database.SelectionStatusImported, row.Status)
	assert.Nil(t, row.LockedBy)
	assert.Nil(t, row.LockHeartbeatAt)
	require.NotNil(t, row.StartedAt)
	assert.True(t, heartbeat.After(*row.StartedAt))
}
