package pricing

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog whenever its file changes on disk, until ctx is
// cancelled. Editors and config-map updates often replace the file, so the
// watch is on the parent directory rather than the file itself.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(c.path) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					c.logger.Warn("Models catalog reload failed, keeping previous catalog",
						zap.String("path", c.path), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Models catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
