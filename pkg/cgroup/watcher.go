package cgroup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher reports when a cgroup directory disappears or is created again, as happens when a systemd unit
// is restarted.
type Watcher struct {
	log       logr.Logger
	path      string
	onRemoved func(path string)
	onCreated func(path string)
}

// NewWatcher returns a watcher for cgroupPath. Either callback may be nil.
func NewWatcher(log logr.Logger, cgroupPath string, onRemoved, onCreated func(path string)) *Watcher {
	return &Watcher{
		log:       log.WithName("cgroupwatcher").WithValues("cgroup", cgroupPath),
		path:      filepath.Clean(cgroupPath),
		onRemoved: onRemoved,
		onCreated: onCreated,
	}
}

// Run watches the parent directory of the cgroup until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the parent directory so we can detect when the cgroup is removed
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("Watching cgroup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "Cgroup watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	switch {
	case event.Has(fsnotify.Remove):
		// Verify it's actually gone (not just renamed)
		if _, err := os.Stat(w.path); os.IsNotExist(err) {
			w.log.Info("Cgroup removed")
			if w.onRemoved != nil {
				w.onRemoved(w.path)
			}
		}
	case event.Has(fsnotify.Create):
		w.log.Info("Cgroup created")
		if w.onCreated != nil {
			w.onCreated(w.path)
		}
	}
}
