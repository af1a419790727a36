package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 500 * time.Millisecond

// Watcher reloads the plan when its file changes on disk. The per-request
// hash check in the pipeline stays authoritative; the watcher just makes
// plan edits take effect between requests too.
type Watcher struct {
	holder   *Holder
	onSwap   func(*Plan)
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher watches the holder's plan file. onSwap runs after every
// successful reload that actually changed the plan; it may be nil.
func NewWatcher(holder *Holder, onSwap func(*Plan)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and configmap mounts
	// replace the file, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(holder.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		holder: holder,
		onSwap: onSwap,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop shuts the watch loop down and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	log := slog.With("component", "plan_watcher", "path", w.holder.Path())

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	target := filepath.Clean(w.holder.Path())
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			plan, changed, err := w.holder.ReloadIfChanged()
			if err != nil {
				log.Error("Plan reload from file watch failed", "error", err)
				continue
			}
			if changed {
				log.Info("Plan reloaded from file watch", "revision", plan.Revision)
				if w.onSwap != nil {
					w.onSwap(plan)
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("Plan watcher error", "error", err)
		}
	}
}
