package roles

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when the role-set file changes on disk,
// so long-running processes pick up roles approved elsewhere.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	closing bool
}

// NewWatcher starts watching the registry's role-set file. Editors and the
// registry itself replace the file via rename, so the parent directory is
// watched and events are filtered by name.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(registry.path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		watcher:  fw,
		debounce: 500 * time.Millisecond, // editors fire several events per save
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Base(w.registry.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("warning: role watcher: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.registry.Reload(); err != nil {
			// Keep serving the last valid set on a bad edit
			log.Printf("warning: role set reload rejected: %v", err)
			return
		}
		log.Printf("role set reloaded from %s", w.registry.path)
	})
}

// Close stops watching
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closing = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
