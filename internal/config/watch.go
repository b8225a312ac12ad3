package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay coalesces the bursts of events editors produce when
// saving a file.
const DefaultReloadDelay = 250 * time.Millisecond

// WatchCallbacks receive reload results.
type WatchCallbacks struct {
	// OnReload is called with each catalogue that parsed successfully.
	OnReload func(c *Catalogue)

	// OnError is called when a reload fails. The previous catalogue stays
	// in effect.
	OnError func(err error)
}

// CatalogueWatcher reloads a catalogue file when it changes on disk.
type CatalogueWatcher struct {
	path      string
	delay     time.Duration
	logger    *slog.Logger
	callbacks WatchCallbacks
	watcher   *fsnotify.Watcher
}

// NewCatalogueWatcher watches the directory holding path. Editors often
// replace the file rather than write it, so the file itself is not watched.
func NewCatalogueWatcher(path string, delay time.Duration, logger *slog.Logger, callbacks WatchCallbacks) (*CatalogueWatcher, error) {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &CatalogueWatcher{
		path:      abs,
		delay:     delay,
		logger:    logger,
		callbacks: callbacks,
		watcher:   w,
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (cw *CatalogueWatcher) Run(ctx context.Context) {
	defer cw.watcher.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.delay)
			} else {
				timer.Reset(cw.delay)
			}
			timerC = timer.C

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("catalogue_watch_error", "error", err)

		case <-timerC:
			timerC = nil
			cw.reload()
		}
	}
}

func (cw *CatalogueWatcher) reload() {
	c, err := LoadCatalogue(cw.path)
	if err != nil {
		cw.logger.Warn("catalogue_reload_failed", "path", cw.path, "error", err)
		if cw.callbacks.OnError != nil {
			cw.callbacks.OnError(err)
		}
		return
	}
	cw.logger.Info("catalogue_reloaded", "path", cw.path, "tasks", c.Len(), "enabled", len(c.Enabled()))
	if cw.callbacks.OnReload != nil {
		cw.callbacks.OnReload(c)
	}
}
