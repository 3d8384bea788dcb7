package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads path whenever it changes and hands the reloaded tunables
// to onReload. fsnotify is preferred; a slow polling loop runs as a safety
// net so a missed event cannot wedge a stale threshold.
func Watch(ctx context.Context, path string, onReload func(Tunables)) {
	if path == "" {
		return
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("Config Watcher: reload failed: %v", err)
			return
		}
		onReload(cfg.Modes)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Config Watcher: fsnotify unavailable (%v), polling only", err)
		watcher = nil
	} else if err := watcher.Add(path); err != nil {
		log.Printf("Config Watcher: cannot watch %s (%v), polling only", path, err)
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
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
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Editors often write in two events; settle first.
						time.Sleep(100 * time.Millisecond)
						reload()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("Config Watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		var lastMod time.Time
		if st, err := os.Stat(path); err == nil {
			lastMod = st.ModTime()
		}
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := os.Stat(path)
				if err != nil || !st.ModTime().After(lastMod) {
					continue
				}
				lastMod = st.ModTime()
				reload()
			}
		}
	}()
}
