package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands
// every valid new revision to the callback. Invalid revisions are
// logged and skipped so a half-saved file never replaces a good one.
type Watcher struct {
	w      *fsnotify.Watcher
	closed chan struct{}
}

// Watch starts watching path. Editors replace files via rename, so the
// watch is on the parent directory and events are filtered by name.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{w: fw, closed: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange func(Config)) {
	base := filepath.Base(path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload of %s skipped: %v", base, err)
				continue
			}
			log.Printf("CONFIG: %s reloaded", base)
			onChange(cfg)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
	}
	close(w.closed)
	return w.w.Close()
}
