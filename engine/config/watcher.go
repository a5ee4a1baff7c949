package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flapi/flapi/pkg/logger"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the endpoint set when files under the template directory
// change. Events are debounced so editors that write-rename-chmod in quick
// succession trigger a single reload.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the store's template directory tree.
func NewWatcher(ctx context.Context, store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{store: store, watcher: fw, done: make(chan struct{})}
	if err := w.addTree(store.Config().TemplateDir()); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	matches, err := DiscoverEndpointFiles(root)
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, f := range matches {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if dir == root {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	log := logger.FromContext(ctx)
	var timer *time.Timer
	pending := make(map[string]bool)
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if len(pending) == 0 {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
			pending[ev.Name] = true
		case <-fire:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]bool)
			w.reload(ctx, paths)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("template watcher error", "error", err)
		}
	}
}

// reload applies one debounced batch of file changes. Changes to files that
// back a known REST endpoint reload just that endpoint; anything else (new
// files, deletions, MCP-only endpoints) rebuilds the whole set.
func (w *Watcher) reload(ctx context.Context, paths []string) {
	log := logger.FromContext(ctx)
	for _, p := range paths {
		ep := w.store.FindBySource(p)
		if ep == nil || !ep.IsRest() {
			if err := w.store.ReloadAll(ctx); err != nil {
				log.Error("endpoint auto-reload failed", "error", err)
			} else {
				log.Info("endpoint set reloaded after file change")
			}
			return
		}
	}
	for _, p := range paths {
		ep := w.store.FindBySource(p)
		if ep == nil {
			continue
		}
		if err := w.store.ReloadEndpoint(ctx, ep.URLPath); err != nil {
			log.Error("endpoint auto-reload failed", "file", p, "error", err)
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Stop terminates the watch loop and releases the inotify handles.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
