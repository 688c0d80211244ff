package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes and hands the new Config to
// onChange. A file that fails to load is logged and skipped, so the previous
// config stays in effect. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file: renaming a new file
// over path or swapping the symlink it points through (a mounted ConfigMap)
// replaces the inode, and a watch on the old inode would go quiet.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger = logger.With(zap.String("path", path))
	logger.Info("watching config for changes")

	target := resolve(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			current := resolve(path)
			swapped := current != "" && current != target
			touched := filepath.Clean(event.Name) == path &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
			if !swapped && !touched {
				continue
			}
			target = current

			// renamed away, the replacement shows up as a create
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", zap.Error(err))
				continue
			}

			logger.Info("config reloaded", zap.Int("destinations", len(cfg.Destinations)))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// resolve returns the file path ends up at after following symlinks, or ""
// while it does not exist.
func resolve(path string) string {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return ""
	}
	return real
}
