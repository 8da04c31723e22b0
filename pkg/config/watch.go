package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/rowforge/pkg/telemetry"
)

// WatchDebounce is how long Watch waits for more events before reloading.
const WatchDebounce = 300 * time.Millisecond

// Watch loads path, reports the result to onChange, and reloads it every
// time the file (or a CUE file of the directory) changes. It blocks until
// ctx is done. The logger is taken from ctx.
func (l *Loader) Watch(ctx context.Context, path string, onChange func(*Settings, error)) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("config-watch")

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace files on save, so the parent directory is
	// watched instead of the file.
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	relevant := func(name string) bool {
		if info.IsDir() {
			return strings.HasSuffix(name, ".cue")
		}
		return filepath.Clean(name) == filepath.Clean(path)
	}

	reload := func() {
		settings, err := l.Load(ctx, path)
		onChange(settings, err)
	}
	reload()

	logger.Zerolog().Info().Str("path", path).Msg("Watching settings")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			logger.Zerolog().Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Settings changed")
			debounce = time.After(WatchDebounce)

		case <-debounce:
			debounce = nil
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Watcher error")
		}
	}
}
