package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads p on write/create and hands the parsed config to onChange.
// It returns when ctx is cancelled.
func Watch(ctx context.Context, p string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p), err)
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(p) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					b, err := os.ReadFile(p)
					if err != nil {
						log.Warnf("reload %s: %v", p, err)
						return
					}
					c, err := Parse(b)
					if err != nil {
						log.Warnf("reload %s: %v", p, err)
						return
					}
					log.Infof("config %s reloaded", p)
					onChange(c)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watch error: %v", err)
			}
		}
	}()
	return nil
}
