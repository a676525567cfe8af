package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher on the Manager's config file and
// calls Reload whenever the file is written or recreated (editors
// commonly replace a file via rename-into-place rather than an
// in-place write). It blocks until ctx is canceled or the watcher
// fails to start.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			_ = m.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if m.obsLogger != nil {
				m.obsLogger.Warn(componentConfig, "watch", "", "config watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
