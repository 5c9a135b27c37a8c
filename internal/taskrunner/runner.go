// Package taskrunner defines the port to the external task runner
// (delayed job submission, abort signaling, progress reporting) plus an
// in-process implementation backed by timers. A single ingestion node does
// not need a broker, but everything dispatch-shaped goes through this port
// so one can be substituted.
package taskrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Progress is a point-in-time progress report for a running task.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

// Handler executes a named task. payload is the submission payload.
type Handler func(ctx context.Context, taskID string, payload map[string]any)

// Runner is the external task runner port.
type Runner interface {
	// SubmitDelayed schedules a named task to run after countdown and
	// returns its external task id.
	SubmitDelayed(taskName string, payload map[string]any, countdown time.Duration) (string, error)
	// IsAborted reports whether an abort was requested for the task.
	IsAborted(taskID string) bool
	// ReportProgress records task progress for UI polling.
	ReportProgress(taskID string, p Progress)
}

// InProcess runs submitted tasks on timers inside this process.
type InProcess struct {
	log hclog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	aborted  map[string]bool
	progress map[string]Progress
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInProcess creates an in-process runner.
func NewInProcess(log hclog.Logger) *InProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{
		log:      log.Named("taskrunner"),
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		aborted:  make(map[string]bool),
		progress: make(map[string]Progress),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register installs the handler for a task name. Submissions for names
// without a handler are recorded but never executed.
func (r *InProcess) Register(taskName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskName] = h
}

// SubmitDelayed schedules the task and returns its generated id.
func (r *InProcess) SubmitDelayed(taskName string, payload map[string]any, countdown time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", fmt.Errorf("task runner closed")
	}

	taskID := uuid.NewString()
	handler := r.handlers[taskName]
	if handler == nil {
		r.log.Warn("no handler registered for task", "task_name", taskName, "task_id", taskID)
		return taskID, nil
	}

	r.wg.Add(1)
	r.timers[taskID] = time.AfterFunc(countdown, func() {
		defer r.wg.Done()
		r.mu.Lock()
		delete(r.timers, taskID)
		aborted := r.aborted[taskID]
		r.mu.Unlock()
		if aborted || r.ctx.Err() != nil {
			return
		}
		handler(r.ctx, taskID, payload)
	})
	return taskID, nil
}

// Abort requests cancellation of a task. A delayed task that has not fired
// yet will never run; a running task observes IsAborted.
func (r *InProcess) Abort(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted[taskID] = true
	if t, ok := r.timers[taskID]; ok {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, taskID)
	}
}

// IsAborted implements Runner.
func (r *InProcess) IsAborted(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted[taskID]
}

// ReportProgress implements Runner.
func (r *InProcess) ReportProgress(taskID string, p Progress) {
	r.mu.Lock()
	r.progress[taskID] = p
	r.mu.Unlock()
}

// Progress returns the latest reported progress for a task.
func (r *InProcess) Progress(taskID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[taskID]
	return p, ok
}

// Close stops pending timers and waits for running tasks.
func (r *InProcess) Close() {
	r.mu.Lock()
	r.closed = true
	for id, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, id)
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
