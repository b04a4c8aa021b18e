package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/schaermu/vaultsync/internal/debounce"
)

// Watcher turns file system notifications under a work tree into debounced
// calls to a wakeup function. It only shortens the wait between polls; the
// polling loop remains the source of truth.
type Watcher struct {
	root     string
	skip     []string
	wake     func()
	logger   *slog.Logger
	debounce *debounce.Debouncer
	watcher  *fsnotify.Watcher
}

// NewWatcher registers watches on every directory below root (except .git
// and skip) and returns a watcher that calls wake after a quiet period.
func NewWatcher(root string, wake func(), delay time.Duration, logger *slog.Logger, skip ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs, err := Directories(afero.NewOsFs(), root, skip...)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("list directories: %w", err)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	logger.Debug("watching work tree", "directories", len(dirs))

	return &Watcher{
		root:     root,
		skip:     skip,
		wake:     wake,
		logger:   logger,
		debounce: debounce.New(delay),
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.debounce.Stop()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if IsGitPath(w.root, event.Name) || w.skipped(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		// New directories need their own watch.
		dirs, err := Directories(afero.NewOsFs(), event.Name, w.skip...)
		if err == nil {
			for _, dir := range dirs {
				if err := w.watcher.Add(dir); err != nil {
					w.logger.Warn("failed to watch new directory", "path", dir, "error", err)
				}
			}
		}
	}

	w.debounce.Trigger(w.wake)
}

func (w *Watcher) skipped(path string) bool {
	for _, s := range w.skip {
		if isWithin(s, path) {
			return true
		}
	}
	return false
}
