package taskrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitDelayedRunsHandler(t *testing.T) {
	r := NewInProcess(hclog.NewNullLogger())
	defer r.Close()

	done := make(chan map[string]any, 1)
	r.Register("test.task", func(ctx context.Context, taskID string, payload map[string]any) {
		done <- payload
	})

	taskID, err := r.SubmitDelayed("test.task", map[string]any{"media_id": 7}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	select {
	case payload := <-done:
		assert.Equal(t, 7, payload["media_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestSubmitDelayedWithoutHandler(t *testing.T) {
	r := NewInProcess(hclog.NewNullLogger())
	defer r.Close()

	taskID, err := r.SubmitDelayed("unregistered.task", nil, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
}

func TestAbortPendingTask(t *testing.T) {
	r := NewInProcess(hclog.NewNullLogger())
	defer r.Close()

	var mu sync.Mutex
	ran := false
	r.Register("test.task", func(ctx context.Context, taskID string, payload map[string]any) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	taskID, err := r.SubmitDelayed("test.task", nil, time.Hour)
	require.NoError(t, err)
	r.Abort(taskID)
	assert.True(t, r.IsAborted(taskID))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran)
}

func TestReportProgress(t *testing.T) {
	r := NewInProcess(hclog.NewNullLogger())
	defer r.Close()

	_, ok := r.Progress("unknown")
	assert.False(t, ok)

	r.ReportProgress("task-1", Progress{Current: 2, Total: 4, Percent: 50, Message: "halfway"})
	p, ok := r.Progress("task-1")
	require.True(t, ok)
	assert.Equal(t, 2, p.Current)
	assert.Equal(t, 50.0, p.Percent)
}

func TestCloseRejectsSubmissions(t *testing.T) {
	r := NewInProcess(hclog.NewNullLogger())
	r.Close()

	_, err := r.SubmitDelayed("test.task", nil, 0)
	assert.Error(t, err)
}
