// Package watch observes the import drop directory and triggers an import
// run once writes settle.
package watch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher debounces filesystem events in the drop directory and invokes
// trigger. At most one triggered run is active at a time; events arriving
// during a run re-arm the debounce timer so the next run picks them up.
type Watcher struct {
	log      hclog.Logger
	dir      string
	debounce time.Duration
	trigger  func(ctx context.Context)

	fsw     *fsnotify.Watcher
	running atomic.Bool
}

// New creates a watcher for dir.
func New(log hclog.Logger, dir string, debounce time.Duration, trigger func(ctx context.Context)) *Watcher {
	return &Watcher{log: log.Named("watch"), dir: dir, debounce: debounce, trigger: trigger}
}

// Start begins watching until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.log.Info("watching import directory", "dir", w.dir, "debounce", w.debounce)

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug("drop directory event", "op", event.Op.String(), "name", event.Name)
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			armed = true
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		case <-timer.C:
			armed = false
			if !w.running.CompareAndSwap(false, true) {
				// A run is in flight; try again after another debounce.
				timer.Reset(w.debounce)
				armed = true
				continue
			}
			go func() {
				defer w.running.Store(false)
				w.trigger(ctx)
			}()
		}
	}
}
