// Package persist implements the persistence controller (component J):
// a debounced save armed by quiescence, writing versioned on-disk blobs
// atomically (write to temp, rename), adapted from the teacher's
// write-fresh-then-swap-in pattern in openOrCreateCodeSearchIndex.
package persist

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carpecarp/rtags/pkg/pathid"
	"github.com/carpecarp/rtags/pkg/project"
)

var persistLog = log.New(os.Stderr, "[rtagsd:persist] ", log.LstdFlags)

// ProjectEvents adapts a Controller to the indexer.Events interface so
// every project's indexer can arm/disarm the same shared controller
// without pkg/indexer needing to know about persistence at all.
type ProjectEvents struct {
	Controller *Controller
}

// JobsComplete arms the quiescence timer when a cycle did real work.
func (e *ProjectEvents) JobsComplete(n int) { e.Controller.Arm(n) }

// JobStarted disarms the quiescence timer: another burst is starting.
func (e *ProjectEvents) JobStarted(path string) { e.Controller.Disarm() }

// QuiescenceDelay is the one-shot timer duration armed after a work
// burst completes, per §4.7/§5.
const QuiescenceDelay = 5 * time.Second

// Saver is the subset of daemon state the controller needs to persist: a
// way to enumerate registered projects and look up their registration
// key, plus the path interner.
type Saver interface {
	Projects() []*project.Project
	ProjectPath(p *project.Project) string
	Interner() *pathid.Interner
}

// Controller arms a 5s quiescence timer on jobsComplete(N>0) and
// disarms it on jobStarted; on fire it serializes every registered
// project's blob and the global paths blob atomically.
type Controller struct {
	mu      sync.Mutex
	timer   *time.Timer
	dataDir string
	saver   Saver
}

// New creates a controller writing blobs under dataDir.
func New(dataDir string, saver Saver) *Controller {
	return &Controller{dataDir: dataDir, saver: saver}
}

// Arm schedules (or re-schedules) the quiescence timer. Called when a
// writer cycle observes N>0 files of work.
func (c *Controller) Arm(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(QuiescenceDelay, c.fire)
}

// Disarm cancels any armed timer. Called when a new work burst starts
// (jobStarted), satisfying B3.
func (c *Controller) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) fire() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()

	if err := c.SaveAll(); err != nil {
		persistLog.Printf("save failed: %v", err)
	}
}

// SaveAll writes the global paths blob and every registered project's
// blob. It is also called directly on clean shutdown and is exercised by
// Arm's timer fire.
func (c *Controller) SaveAll() error {
	if err := c.savePaths(); err != nil {
		return fmt.Errorf("persist: save paths: %w", err)
	}
	for _, p := range c.saver.Projects() {
		if err := c.saveProject(p); err != nil {
			persistLog.Printf("save project %s failed: %v", p.Key(), err)
		}
	}
	return nil
}

func (c *Controller) savePaths() error {
	path := filepath.Join(c.dataDir, "paths")
	return atomicWrite(path, c.saver.Interner().Save)
}

func (c *Controller) saveProject(p *project.Project) error {
	path := filepath.Join(c.dataDir, encodeProjectFilename(c.saver.ProjectPath(p)))
	return atomicWrite(path, p.Save)
}

// encodeProjectFilename turns a project key (a filesystem path) into a
// safe blob filename by encoding '/' the way the spec's data-directory
// layout requires ("filename = path with / encoded").
func encodeProjectFilename(key string) string {
	encoded := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			encoded = append(encoded, '_', '_')
		} else {
			encoded = append(encoded, key[i])
		}
	}
	return string(encoded)
}

// atomicWrite writes the blob produced by write to a temp file beside
// path and renames it into place, so a crash mid-write never leaves a
// truncated blob visible.
func atomicWrite(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadPaths reads the global paths blob from dataDir. On schema
// mismatch (or missing file) it returns a fresh, empty interner, per
// §4.7 ("otherwise the boot continues with an empty map").
func LoadPaths(dataDir string) *pathid.Interner {
	path := filepath.Join(dataDir, "paths")
	f, err := os.Open(path)
	if err != nil {
		return pathid.New()
	}
	defer f.Close()

	in, ok, err := pathid.Restore(f)
	if err != nil || !ok {
		return pathid.New()
	}
	return in
}

// LoadProject restores a project's blob from dataDir, lazily, on first
// fileReady for that project, per §4.7. It returns false if the blob is
// absent or its schema version does not match.
func LoadProject(dataDir string, p *project.Project, key string) (bool, error) {
	path := filepath.Join(dataDir, encodeProjectFilename(key))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	return p.Restore(f)
}

