// Package watcher restores session snapshot files that are removed from
// under a running service, so a live session never loses its reload cache
// to an external cleanup.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Healer rewrites the snapshot behind a removed file when its owner still
// holds a live in-memory session. Returns false when nobody owns the file.
type Healer interface {
	HealSnapshotFile(stem string) bool
}

// Watcher monitors the snapshot directory for external deletions. Removals
// by the service itself (completion, termination) find no live session and
// are ignored.
type Watcher struct {
	dir      string
	healer   Healer
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	debounce time.Duration
	pending  map[string]*time.Timer
}

// New creates a watcher over the snapshot directory.
func New(dir string, healer Healer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:      dir,
		healer:   healer,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. The directory is created if missing so the watch
// can be established before the first snapshot is written.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.dir).Msg("Failed to add initial watch")
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher and cancels any pending heals.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	for stem, timer := range w.pending {
		timer.Stop()
		delete(w.pending, stem)
	}
	return w.watcher.Close()
}

func (w *Watcher) addWatch() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	return w.watcher.Add(w.dir)
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)

			// The whole directory going away takes the watch with it.
			// Recreate both after the debounce; live sessions rewrite
			// their snapshots on the next transition anyway.
			if path == filepath.Clean(w.dir) && event.Op&fsnotify.Remove != 0 {
				log.Info().Str("path", w.dir).Msg("Snapshot directory deleted, re-establishing watch")
				time.AfterFunc(w.debounce, func() {
					if err := w.addWatch(); err != nil {
						log.Warn().Err(err).Str("path", w.dir).Msg("Failed to re-establish watch")
					}
				})
				continue
			}

			stem, ok := snapshotStem(path)
			if !ok {
				continue
			}

			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.scheduleHeal(stem)
			case event.Op&fsnotify.Create != 0:
				// The file came back (a heal or a normal write); nothing
				// left to restore.
				w.cancelHeal(stem)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Snapshot watcher error")
		}
	}
}

// scheduleHeal arms (or re-arms) the debounce timer for one snapshot file.
func (w *Watcher) scheduleHeal(stem string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if timer, ok := w.pending[stem]; ok {
		timer.Stop()
	}
	w.pending[stem] = time.AfterFunc(w.debounce, func() {
		w.heal(stem)
	})
}

func (w *Watcher) cancelHeal(stem string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[stem]; ok {
		timer.Stop()
		delete(w.pending, stem)
	}
}

func (w *Watcher) heal(stem string) {
	w.mu.Lock()
	delete(w.pending, stem)
	w.mu.Unlock()

	if w.healer.HealSnapshotFile(stem) {
		log.Info().Str("snapshot", stem).Msg("Restored externally deleted snapshot")
		return
	}
	log.Debug().Str("snapshot", stem).Msg("Ignoring removal of snapshot without live session")
}

// snapshotStem extracts the user file stem from a snapshot path. Temp files
// from atomic writes and foreign files are not snapshots.
func snapshotStem(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}
