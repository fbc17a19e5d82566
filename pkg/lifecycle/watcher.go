package lifecycle

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// externalChangeDelay debounces bursts of events from one replacement.
	externalChangeDelay = 500 * time.Millisecond

	// swapQuietWindow hides the events our own swaps produce.
	swapQuietWindow = 2 * time.Second
)

// Watcher reports when the active database file is replaced or removed by
// another process. It never acts on the change; the open handle keeps
// pointing at the old inode until the next swap or restart.
type Watcher struct {
	manager *Manager
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	target  string

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewWatcher starts watching the directory holding m's database file.
func NewWatcher(m *Manager, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	target, err := filepath.Abs(m.cfg.Path)
	if err != nil {
		target = filepath.Clean(m.cfg.Path)
	}

	// Renames replace the directory entry, so the directory is watched
	// rather than the file itself.
	if err := fw.Add(filepath.Dir(target)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch database directory: %w", err)
	}

	w := &Watcher{
		manager: m,
		logger:  logger.With().Str("component", "db-watcher").Logger(),
		watcher: fw,
		target:  target,
		done:    make(chan struct{}),
	}

	go w.processEvents()

	w.logger.Debug().Str("dir", filepath.Dir(target)).Msg("Started watching database directory")
	return w, nil
}

func (w *Watcher) processEvents() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Database file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(externalChangeDelay, func() { w.report(event) })
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// relevant filters to replacement-like events on the active file that we
// did not cause. Plain writes are ignored since every story change makes one.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.target {
		return false
	}
	if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if w.manager.State() == StateSwapping || w.manager.recentlySwapped(swapQuietWindow) {
		return false
	}
	return true
}

func (w *Watcher) report(event fsnotify.Event) {
	// A swap may have started while the timer was pending.
	if w.manager.State() == StateSwapping || w.manager.recentlySwapped(swapQuietWindow) {
		return
	}

	w.manager.metrics.RecordExternalChange()
	w.logger.Warn().
		Str("file", event.Name).
		Str("op", event.Op.String()).
		Msg("Database file was changed by another process; restart or upload to pick it up")
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
