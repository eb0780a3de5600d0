package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts watching the manifest directories and re-reads any
// cached manifest whose source file changes. The returned channel
// receives the provider id after each successful reload; it stays open
// until ctx is cancelled, receivers should select on ctx as well.
func (s *Store) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest watcher: %w", err)
	}

	// Watch the directories, not the files
	// (some systems don't support watching files directly)
	watched := 0
	for _, base := range s.bases {
		for _, layout := range sourceLayouts {
			dir := filepath.Join(base, layout.dir)
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
			}
			watched++
		}
	}
	if watched == 0 {
		watcher.Close()
		return nil, fmt.Errorf("no manifest directories to watch")
	}

	ch := make(chan string, 1) // Buffered to avoid blocking

	go s.watchLoop(ctx, watcher, ch)

	s.logger.Info("watching manifest directories", "dirs", watched)
	return ch, nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- string) {
	defer watcher.Close()

	// Debounce timers to coalesce rapid changes, one per provider file
	timers := map[string]*time.Timer{}
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			id, recognized := providerIDFromPath(event.Name)
			if !recognized {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				// Debounce: reset timer on each change
				if t := timers[id]; t != nil {
					t.Stop()
				}
				timers[id] = time.AfterFunc(debounceDelay, func() {
					s.reloadChanged(id, ch)
				})
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				s.logger.Warn("manifest file was deleted, keeping cached copy", "provider", id)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("manifest watcher error", "error", err)
		}
	}
}

// reloadChanged replaces the cached manifest when its source file
// changed. A manifest that was never loaded is skipped, the next Load
// reads the new file anyway. A re-read that fails keeps serving the
// previous copy.
func (s *Store) reloadChanged(id string, ch chan<- string) {
	if _, ok := s.cache.Get(id); !ok {
		return
	}
	if _, err := s.Reload(id); err != nil {
		s.logger.Error("manifest reload failed, keeping cached copy", "provider", id, "error", err)
		return
	}
	select {
	case ch <- id:
	default:
		// Channel full, change already pending
	}
}

func providerIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext), true
		}
	}
	return "", false
}
