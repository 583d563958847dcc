package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"autodev/internal/logging"
)

// Watcher reloads the config file when it changes on disk and notifies
// subscribers. Only the hot-reloadable sections (logging, cooldown) are
// expected to take effect without a restart.
type Watcher struct {
	workspace string
	onChange  func(*Config)
}

// NewWatcher creates a config watcher for the workspace. onChange receives
// the freshly loaded config; it runs on the watcher goroutine.
func NewWatcher(workspace string, onChange func(*Config)) *Watcher {
	return &Watcher{workspace: workspace, onChange: onChange}
}

// Run watches until the context is cancelled. Missing config files are
// tolerated: the watcher observes the .autodev directory so a config file
// created later is still picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Join(w.workspace, ".autodev")
	if err := watcher.Add(dir); err != nil {
		logging.Boot("config watcher: cannot watch %s: %v", dir, err)
		return err
	}

	// Editors often emit bursts of write events; debounce before reloading.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Boot("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.workspace)
			if err != nil {
				logging.Boot("config reload failed: %v", err)
				continue
			}
			logging.Reconfigure(cfg.Logging)
			logging.Boot("config reloaded")
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

func isConfigFile(path string) bool {
	switch filepath.Base(path) {
	case "config.yaml", "config.yml", "config.json":
		return true
	}
	return false
}
