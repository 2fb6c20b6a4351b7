package hooks

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/hive/internal/log"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// RulesWatcher reloads the rules file into a pipeline when it changes.
// It watches the containing directory so the file may appear after
// startup.
type RulesWatcher struct {
	fsWatcher *fsnotify.Watcher
	pipeline  *Pipeline
	path      string
	done      chan struct{}
}

// WatchRules loads the rules file into the pipeline and starts watching
// it for changes. Stop releases the watcher.
func WatchRules(pipeline *Pipeline, path string) (*RulesWatcher, error) {
	hs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	pipeline.SetRules(hs)
	if len(hs) > 0 {
		log.Info(log.CatHook, "loaded rules file", "path", path, "rules", len(hs))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", filepath.Dir(path), err)
	}

	w := &RulesWatcher{
		fsWatcher: fsw,
		pipeline:  pipeline,
		path:      path,
		done:      make(chan struct{}),
	}
	log.SafeGo(log.CatHook, "rules-watcher", w.loop)
	return w, nil
}

// Stop terminates the watcher and releases resources.
func (w *RulesWatcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop debounces file events and reloads on the trailing edge. A reload
// that fails keeps the previously loaded rules.
func (w *RulesWatcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.reload()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatHook, "rules watcher error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *RulesWatcher) reload() {
	hs, err := LoadRules(w.path)
	if err != nil {
		log.ErrorErr(log.CatHook, "rules reload failed, keeping previous rules", err, "path", w.path)
		return
	}
	w.pipeline.SetRules(hs)
	log.Info(log.CatHook, "rules reloaded", "path", w.path, "rules", len(hs))
}

func (w *RulesWatcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
