package quirk

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher recompiles a Store whenever one of its loaded quirk directories
// changes on disk.
type Watcher struct {
	fsw      *fsnotify.Watcher
	reloaded chan struct{}
	done     chan struct{}
}

func newWatcher(s *Store, dirs []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			quirkLog.WithError(err).WithField("dir", d).Warn("failed to watch quirk directory")
		}
	}

	w := &Watcher{
		fsw:      fsw,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go w.run(s, dirs)
	return w, nil
}

// Reloaded receives a value after each successful recompile.
func (w *Watcher) Reloaded() <-chan struct{} { return w.reloaded }

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run(s *Store, dirs []string) {
	var pending bool
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !pending {
				pending = true
				debounce.Reset(100 * time.Millisecond)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			quirkLog.WithError(err).Warn("quirk directory watch error")
		case <-debounce.C:
			pending = false
			if err := s.Load(dirs); err != nil {
				quirkLog.WithError(err).Warn("failed to reload quirks after directory change")
				continue
			}
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		}
	}
}
