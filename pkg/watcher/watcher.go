// Package watcher implements the Watcher (component H): it watches the
// set of registered makefile paths and re-triggers build ingestion when
// one changes. Deletion is ignored, per §4.8 and §9 open question (a).
//
// Adapted from the teacher's directory-tree watcher (same fsnotify +
// debounce shape), repointed from "watch source files, notify
// findings/code-index subscribers" to "watch a handful of registered
// makefile paths, re-run the build ingester for the owning project."
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var watchLog = log.New(os.Stderr, "[rtagsd:watcher] ", log.Ltime)

// DefaultDebounceDelay absorbs the burst of events a single `make`
// invocation or editor save produces.
const DefaultDebounceDelay = 2 * time.Second

// Handler is notified when a watched makefile is modified. path is the
// exact registered path; the watcher does not interpret it further.
type Handler interface {
	OnMakefileChanged(path string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(path string)

func (f HandlerFunc) OnMakefileChanged(path string) { f(path) }

// Watcher watches a dynamic set of registered makefile paths. Each path
// is watched by adding fsnotify watches on its containing directory
// (fsnotify has no native single-file watch), filtering events down to
// the exact registered paths.
type Watcher struct {
	fsw   *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	watched  map[string]struct{} // registered makefile paths
	dirRefs  map[string]int      // dir -> number of registered paths inside it
	pending  map[string]struct{}
	debounceOnce sync.Once

	handlers []Handler
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher with no paths registered yet; call Watch to add
// makefile paths and Start to begin processing fsnotify events.
func New(debounce time.Duration, handlers ...Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce == 0 {
		debounce = DefaultDebounceDelay
	}
	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		watched:  make(map[string]struct{}),
		dirRefs:  make(map[string]int),
		pending:  make(map[string]struct{}),
		handlers: handlers,
		stop:     make(chan struct{}),
	}, nil
}

// AddHandler registers an additional handler.
func (w *Watcher) AddHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins processing fsnotify events in a background goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.processEvents()
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	return w.fsw.Close()
}

// Watch registers path for watching, adding an fsnotify watch on its
// containing directory if not already watched.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[abs]; ok {
		return nil
	}
	w.watched[abs] = struct{}{}

	dir := filepath.Dir(abs)
	if w.dirRefs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			delete(w.watched, abs)
			return err
		}
		watchLog.Printf("watching directory %s for makefile %s", dir, abs)
	}
	w.dirRefs[dir]++
	return nil
}

// Unwatch removes path from the watched set (called on project unload or
// removal).
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[abs]; !ok {
		return
	}
	delete(w.watched, abs)

	dir := filepath.Dir(abs)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		_ = w.fsw.Remove(dir)
	}
}

func (w *Watcher) isWatched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[path]
	return ok
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Deletion is ignored per §4.8/§9 open question (a): the spec
			// preserves the original's behavior of deferring whether to
			// unload or keep the project.
			if event.Op&fsnotify.Remove != 0 {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.isWatched(event.Name) {
				continue
			}
			w.queueChange(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			watchLog.Printf("error: %v", err)
		}
	}
}

func (w *Watcher) queueChange(path string) {
	w.mu.Lock()
	w.pending[path] = struct{}{}
	w.debounceOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			select {
			case <-time.After(w.debounce):
				w.flushPending()
			case <-w.stop:
				return
			}
		}()
	})
	w.mu.Unlock()
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.debounceOnce = sync.Once{}
	handlers := append([]Handler(nil), w.handlers...)
	w.mu.Unlock()

	for path := range pending {
		watchLog.Printf("makefile changed: %s", path)
		for _, h := range handlers {
			h.OnMakefileChanged(path)
		}
	}
}
