package targetfiles

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce groups the burst of events an editor produces on save
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the target directory when definition files change
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	changes  chan []Entry
}

// NewWatcher creates a watcher for dir. The directory must exist.
func NewWatcher(dir string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		watcher:  w,
		logger:   logger.With().Str("component", "targetfiles").Logger(),
		debounce: debounce,
		changes:  make(chan []Entry, 1),
	}, nil
}

// Changes delivers the reloaded directory after each burst of changes
func (w *Watcher) Changes() <-chan []Entry {
	return w.changes
}

// Run processes filesystem events until ctx is done. Changes is closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Target file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			entries, err := LoadDir(w.dir)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Failed to reload target files")
				continue
			}
			select {
			case w.changes <- entries:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Target file watcher error")
		}
	}
}
