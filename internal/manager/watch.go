package manager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/morezero/modbridge/pkg/metrics"
	"github.com/morezero/modbridge/pkg/schema"
)

const watchLogPrefix = "manager:watch"

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// SchemaWatcher reloads the manager's catalog when files under the schema
// directory change.
type SchemaWatcher struct {
	m        *Manager
	root     string
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	reloaded func(error)
}

// WatchSchemas starts watching root and its document directories.
func WatchSchemas(m *Manager, root string) (*SchemaWatcher, error) {
	return watchSchemas(m, root, nil)
}

// watchSchemas reports the outcome of every reload to reloaded, if set.
func watchSchemas(m *Manager, root string, reloaded func(error)) (*SchemaWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%s - create watcher: %w", watchLogPrefix, err)
	}

	dirs := []string{root, filepath.Join(root, "interfaces"), filepath.Join(root, "errors"), filepath.Join(root, "modules")}
	if entries, err := os.ReadDir(filepath.Join(root, "modules")); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(root, "modules", e.Name()))
			}
		}
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("%s - watch %s: %w", watchLogPrefix, dir, err)
		}
	}

	w := &SchemaWatcher{
		m:        m,
		root:     root,
		watcher:  watcher,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		reloaded: reloaded,
	}
	go w.loop()
	slog.Info(fmt.Sprintf("%s - Watching %s for schema changes", watchLogPrefix, root))
	return w, nil
}

// Stop ends watching and waits for the loop to exit.
func (w *SchemaWatcher) Stop() {
	close(w.stop)
	w.watcher.Close()
	<-w.done
}

func (w *SchemaWatcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				if event.Op&fsnotify.Create != 0 {
					// A new module directory.
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						_ = w.watcher.Add(event.Name)
					}
				}
				continue
			}
			slog.Debug(fmt.Sprintf("%s - %s %s", watchLogPrefix, event.Op, event.Name))
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error(fmt.Sprintf("%s - watcher error: %v", watchLogPrefix, err))

		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *SchemaWatcher) reload() {
	catalog, err := schema.LoadDir(w.root)
	if err != nil {
		metrics.ManagerSchemaReloadsTotal.WithLabelValues("error").Inc()
	} else {
		err = w.m.Reload(catalog)
	}
	if err != nil {
		slog.Error(fmt.Sprintf("%s - schema reload failed, keeping previous schemas: %v", watchLogPrefix, err))
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}
