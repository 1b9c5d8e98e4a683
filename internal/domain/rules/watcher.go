package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
)

// reloadDebounce is how long the watcher waits for the rules file to go quiet
// before reparsing, coalescing editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher owns the live rule engine and hot-reloads it when the rules file
// changes. The engine reference is swapped atomically: concurrent evaluators
// see either the old engine or the new one, never a partial one. A failed
// reload keeps the previous engine in use.
type Watcher struct {
	path     string
	celEval  *cel.Evaluator
	logger   *slog.Logger
	engine   atomic.Value // stores *Engine
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onReload func() // optional; invoked after a successful swap
}

// NewWatcher loads the rules file and prepares hot-reloading.
// The initial load must succeed; later reload failures only log.
func NewWatcher(path string, celEval *cel.Evaluator, logger *slog.Logger) (*Watcher, error) {
	engine, err := Load(path, celEval, logger)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:    path,
		celEval: celEval,
		logger:  logger,
	}
	w.engine.Store(engine)
	return w, nil
}

// Engine returns the current engine. Callers load the pointer once per
// request and evaluate against that snapshot.
func (w *Watcher) Engine() *Engine {
	return w.engine.Load().(*Engine)
}

// SetOnReload registers a callback invoked after each successful reload.
// Must be called before Start.
func (w *Watcher) SetOnReload(fn func()) {
	w.onReload = fn
}

// Start begins watching the rules file's directory. Watching the directory
// rather than the file survives editors that replace the file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch rules directory: %w", err)
	}
	w.watcher = fw

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Close stops the watch loop and releases the fs watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// run is the watch loop: relevant events arm (or re-arm) a debounce timer;
// when the timer fires the file is reparsed and the engine swapped.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

// reload reparses the rules file and publishes the new engine.
// On any parse or validation failure the previous engine stays live.
func (w *Watcher) reload() {
	engine, err := Load(w.path, w.celEval, w.logger)
	if err != nil {
		w.logger.Warn("rules reload failed, keeping previous rules",
			"path", w.path, "error", err)
		return
	}

	w.engine.Store(engine)
	w.logger.Info("rules reloaded", "path", w.path, "rules", engine.RuleCount())

	if w.onReload != nil {
		w.onReload()
	}
}
