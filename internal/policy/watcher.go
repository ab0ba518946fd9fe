package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"devloop/internal/logging"
)

// Watcher hot-reloads the policy file into an Engine when it changes on disk.
// A malformed edit keeps the previous policy in effect.
type Watcher struct {
	engine *Engine
	path   string
	fsw    *fsnotify.Watcher
}

// WatchPolicy starts watching path and swapping the engine's policy on
// change. Stops when ctx is done.
func WatchPolicy(ctx context.Context, engine *Engine, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{engine: engine, path: path, fsw: fsw}
	go w.run(ctx)
	logging.Policy("watching %s for policy changes", path)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.fsw.Close()

	// Debounce bursts of events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Policy("policy watcher error: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadPolicy(w.path)
	if err != nil {
		logging.Get(logging.CategoryPolicy).Error("policy reload failed, keeping previous: %v", err)
		return
	}
	w.engine.SetPolicy(p)
	logging.Policy("policy reloaded from %s", w.path)
}
