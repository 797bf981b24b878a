package detection

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// WatchRules reloads the rules file into e whenever it changes, until ctx is
// done. A file that fails to parse leaves the previous rules in place.
func WatchRules(ctx context.Context, path string, e *Engine, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			rules, err := LoadRules(path)
			if err != nil {
				logger.Warn("detection rules reload failed, keeping previous rules", "path", path, "err", err)
				continue
			}
			if err := e.SetRules(rules); err != nil {
				logger.Warn("detection rules rejected", "path", path, "err", err)
				continue
			}
			logger.Info("detection rules reloaded", "path", path, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("detection rules watcher error", "err", err)
		}
	}
}
