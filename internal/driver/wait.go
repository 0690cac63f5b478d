package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waitForSocket blocks until path exists, watching its parent directory for
// a create event rather than sleep-polling. Grounded on the teacher pack's
// escapewindow-taskcluster-worker qemu backend, whose waitForSockets()
// watches the QMP and VNC sockets the spawned QEMU process creates.
func waitForSocket(path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("driver: create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("driver: watch %s: %w", dir, err)
	}

	// The file may have been created between the Stat above and Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("driver: fsnotify watcher closed while waiting for %s", path)
			}
			if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				return fmt.Errorf("driver: fsnotify error: %w", err)
			}
		case <-deadline:
			return fmt.Errorf("driver: timed out waiting for %s", path)
		}
	}
}
