package registry

import (
	"testing"

	"github.com/carpecarp/rtags/pkg/project"
	"github.com/carpecarp/rtags/pkg/symbol"
)

func TestSelectLongestPrefixWithFirstRegisteredTiebreak(t *testing.T) {
	r := New()

	foo := project.New("/src/foo", symbol.ProjectIndexer, nil, nil)
	foo.Init("/src/foo", "/src/foo")
	r.Add("/src/foo", foo)

	fooBar := project.New("/src/foo/bar", symbol.ProjectIndexer, nil, nil)
	fooBar.Init("/src/foo/bar", "/src/foo/bar")
	r.Add("/src/foo/bar", fooBar)

	got := r.Select("/src/foo/bar/baz.c")
	if got != fooBar {
		t.Fatalf("expected longest-prefix match /src/foo/bar, got %v", got.Key())
	}

	// A second project with the same source root as foo, registered
	// later, loses the tie.
	dup := project.New("/src/dup", symbol.ProjectIndexer, nil, nil)
	dup.Init("/src/foo", "/src/foo")
	r.Add("/src/dup", dup)

	got2 := r.Select("/src/foo/other.c")
	if got2 != foo {
		t.Fatalf("expected /src/foo match, got %v", got2.Key())
	}
}

func TestRemoveClearsCurrent(t *testing.T) {
	r := New()
	p := project.New("/src/foo", symbol.ProjectIndexer, nil, nil)
	p.Init("/src/foo", "/src/foo")
	r.Add("/src/foo", p)
	r.NotifyIngested(p)

	if r.Current() != p {
		t.Fatalf("expected p to be current")
	}
	r.Remove("/src/foo")
	if r.Current() != nil {
		t.Fatalf("expected current to become nil after removing the only project")
	}
}

func TestSelectByKeyOrRegexAmbiguous(t *testing.T) {
	r := New()
	foo := project.New("/src/foo", symbol.ProjectIndexer, nil, nil)
	bar := project.New("/src/bar", symbol.ProjectIndexer, nil, nil)
	r.Add("/src/foo", foo)
	r.Add("/src/bar", bar)

	got, ambiguous := r.SelectByKeyOrRegex("src")
	if !ambiguous || got != nil {
		t.Fatalf("expected ambiguous match, got %v, ambiguous=%v", got, ambiguous)
	}

	got, ambiguous = r.SelectByKeyOrRegex("fo")
	if ambiguous || got != foo {
		t.Fatalf("expected unambiguous match to foo, got %v, ambiguous=%v", got, ambiguous)
	}
}
