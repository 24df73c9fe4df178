package watcher

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/config"
)

var endpointsDebounce = 250 * time.Millisecond

// RunEndpointsWatcher watches the endpoints file and calls onChange with the
// new list whenever its contents change. The parent directory is watched so
// editors that replace the file by rename are picked up. Invalid files are
// logged and ignored. onChange is never called concurrently.
func RunEndpointsWatcher(ctx context.Context, path string, onChange func([]string), log *zap.Logger) error {
	log = log.With(zap.String("component", "watcher"), zap.String("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	// Changes are compared against the list at startup.
	current, _ := config.ReadEndpoints(abs)

	debounce := endpointsDebounce
	var debounceTimer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			urls, err := config.ReadEndpoints(abs)
			if err != nil {
				log.Warn("Ignoring invalid endpoints file", zap.Error(err))
				continue
			}
			if slices.Equal(urls, current) {
				continue
			}
			current = urls
			log.Info("Endpoints file changed", zap.Strings("endpoints", urls))
			onChange(slices.Clone(urls))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", zap.Error(err))
		}
	}
}
