package pathid

import (
	"bytes"
	"testing"
)

func TestInternStable(t *testing.T) {
	in := New()
	id1 := in.Intern("/src/a.c")
	id2 := in.Intern("/src/a.c")
	if id1 != id2 {
		t.Fatalf("expected stable id, got %d and %d", id1, id2)
	}
	if id1 == 0 {
		t.Fatalf("expected non-zero id")
	}
}

func TestInternDistinctPaths(t *testing.T) {
	in := New()
	id1 := in.Intern("/src/a.c")
	id2 := in.Intern("/src/b.c")
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d for both", id1)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	in := New()
	a := in.Intern("/src/a.c")
	b := in.Intern("/src/b.h")

	var buf bytes.Buffer
	if err := in.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, ok, err := Restore(&buf)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatalf("expected restore to succeed")
	}

	if got, ok := restored.Lookup("/src/a.c"); !ok || got != a {
		t.Fatalf("a.c: got (%d,%v), want (%d,true)", got, ok, a)
	}
	if got, ok := restored.Lookup("/src/b.h"); !ok || got != b {
		t.Fatalf("b.h: got (%d,%v), want (%d,true)", got, ok, b)
	}
	if restored.Intern("/src/c.c") <= b {
		t.Fatalf("expected next id to continue past restored max")
	}
}

func TestRestoreSchemaMismatch(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 99})
	_, ok, err := Restore(buf)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Fatalf("expected schema mismatch to report ok=false")
	}
}
