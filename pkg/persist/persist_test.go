package persist

import (
	"path/filepath"
	"testing"

	"github.com/carpecarp/rtags/pkg/pathid"
	"github.com/carpecarp/rtags/pkg/project"
	"github.com/carpecarp/rtags/pkg/symbol"
)

type fakeSaver struct {
	projects []*project.Project
	interner *pathid.Interner
}

func (f *fakeSaver) Projects() []*project.Project       { return f.projects }
func (f *fakeSaver) ProjectPath(p *project.Project) string { return p.Key() }
func (f *fakeSaver) Interner() *pathid.Interner          { return f.interner }

func TestSaveAllThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()

	in := pathid.New()
	in.Intern("/src/a.c")

	p := project.New("/src/project", symbol.ProjectIndexer, nil, nil)
	p.Init("/src", "/src")

	saver := &fakeSaver{projects: []*project.Project{p}, interner: in}
	c := New(dir, saver)

	if err := c.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	loaded := LoadPaths(dir)
	if _, ok := loaded.Lookup("/src/a.c"); !ok {
		t.Fatalf("expected restored interner to contain /src/a.c")
	}

	restored := project.New("/src/project", symbol.ProjectIndexer, nil, nil)
	ok, err := LoadProject(dir, restored, "/src/project")
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if !ok {
		t.Fatalf("expected LoadProject to succeed")
	}
	if restored.SrcRoot() != "/src" {
		t.Fatalf("expected restored srcRoot /src, got %q", restored.SrcRoot())
	}

	if _, err := filepath.Abs(dir); err != nil {
		t.Fatalf("dir: %v", err)
	}
}

func TestArmThenJobStartedDisarms(t *testing.T) {
	dir := t.TempDir()
	saver := &fakeSaver{interner: pathid.New()}
	c := New(dir, saver)

	c.Arm(1)
	c.mu.Lock()
	armed := c.timer != nil
	c.mu.Unlock()
	if !armed {
		t.Fatalf("expected timer to be armed")
	}

	(&ProjectEvents{Controller: c}).JobStarted("a.c")
	c.mu.Lock()
	armed = c.timer != nil
	c.mu.Unlock()
	if armed {
		t.Fatalf("expected timer to be disarmed after JobStarted")
	}
}
