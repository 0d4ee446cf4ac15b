package requestcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce waits for write events to settle before reloading; editors
// and config-map style updates produce bursts of events for one change.
const reloadDebounce = 250 * time.Millisecond

// WatchConfig watches a configuration file and applies changed settings to
// the controller until ctx is cancelled. Only MaxRequests is applied live;
// the remaining settings require a restart and changes to them are logged
// and ignored. Reload failures keep the previous settings.
func WatchConfig(ctx context.Context, path string, controller *Controller, logger Logger) error {
	if controller == nil {
		return ErrManagementControllerNil
	}
	logger = ensureLogger(logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer

		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					cfg, err := LoadConfig(path)
					if err != nil {
						logger.Error("Failed to reload config, keeping previous settings",
							"path", path, "error", err)
						return
					}
					if cfg.TrackIndividualControlPoints != controller.trackIndividualControlPoints {
						logger.Warn("Control point tracking cannot change at runtime, ignoring",
							"path", path)
					}
					if cfg.MaxRequests != controller.MaxRequestCount() {
						controller.SetMaxRequestCount(cfg.MaxRequests)
						logger.Info("Applied reloaded config", "maxRequests", cfg.MaxRequests)
					}
				})

			case err := <-watcher.Errors:
				if err != nil {
					logger.Error("Config watcher failed", "path", path, "error", err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
