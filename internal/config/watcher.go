package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the thresholds file and reloads on change.
// fsnotify where available, with a slow polling loop as a safety net
// (the file may not exist yet when the watch is added).
func (c *Config) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[Config] fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(c.ThresholdsFile); err != nil {
			log.Printf("[Config] Cannot watch %s (%v), falling back to polling", c.ThresholdsFile, err)
			usePolling = true
			watcher.Close()
		}
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						// Editors often write in two steps; let the file settle.
						time.Sleep(100 * time.Millisecond)
						if err := c.ReloadThresholds(); err != nil {
							log.Printf("[Config] Reload after change failed: %v", err)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Config] Watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()

		var lastMod time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(c.ThresholdsFile)
				if err != nil {
					continue
				}
				if info.ModTime().After(lastMod) {
					lastMod = info.ModTime()
					if err := c.ReloadThresholds(); err != nil {
						log.Printf("[Config] Polling reload failed: %v", err)
					}
				}
			}
		}
	}()
}
