package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"synapse/internal/logging"
)

// Watcher refreshes the registry when tool source files change on disk.
// Events are debounced so a burst of writes (editor save, deploy with
// backup) triggers a single refresh.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a watcher over the registry's tool directory.
func NewWatcher(r *Registry) *Watcher {
	return &Watcher{
		registry: r,
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. Idempotent against double starts.
func (w *Watcher) Start() error {
	if w.done != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.registry.Dir()); err != nil {
		fw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, fw)
	logging.Registry("watching %s for tool changes", w.registry.Dir())
	return nil
}

// Stop signals the watcher to exit and waits for it.
func (w *Watcher) Stop() {
	if w.done == nil {
		return
	}
	w.cancel()
	<-w.done
	w.done = nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".go") {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := w.registry.Refresh(); err != nil {
				logging.Get(logging.CategoryRegistry).Error("refresh after file change failed: %v", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRegistry).Error("watch error: %v", err)
		}
	}
}
