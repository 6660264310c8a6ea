package cmd

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/relaybox/pkg/config"
	"github.com/rubiojr/relaybox/pkg/log"
)

// watchConfig delivers freshly loaded and validated configurations whenever
// configPath changes. Only the latest pending configuration is kept. The
// channel never fires when the watcher cannot be set up.
func watchConfig(ctx context.Context, configPath string) <-chan *config.Config {
	l := log.ForService("cli")
	out := make(chan *config.Config, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.Warnf("failed to create config file watcher: %v", err)
		return out
	}
	if err := watcher.Add(configPath); err != nil {
		l.Warnf("failed to watch config file %s: %v", configPath, err)
		_ = watcher.Close()
		return out
	}
	l.Debugf("watching config file for changes: %s", configPath)

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				l.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Editors often replace the file with an atomic rename.
				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
					continue
				}
				if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					time.Sleep(200 * time.Millisecond)
					if _, err := os.Stat(configPath); os.IsNotExist(err) {
						l.Warnf("config file was removed and not replaced, skipping reload")
						continue
					}
					if err := watcher.Add(configPath); err != nil {
						l.Warnf("failed to re-add config file to watcher: %v", err)
					}
				} else {
					time.Sleep(100 * time.Millisecond)
				}

				cfg, err := loadConfig(configPath)
				if err != nil {
					l.Warnf("ignoring config change: %v", err)
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- cfg
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Warnf("config watcher error: %v", err)
			}
		}
	}()

	return out
}
