package dispatcher

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/carpecarp/rtags/pkg/symbol"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	m := ProjectMessage{Kind: symbol.ProjectIndexer, Path: "/src/foo/Makefile", Args: []string{"-C", "/src/foo"}}
	if err := WriteProject(w, m); err != nil {
		t.Fatalf("WriteProject: %v", err)
	}

	f, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != MsgProject || f.Project == nil {
		t.Fatalf("expected decoded ProjectMessage, got %+v", f)
	}
	if f.Project.Path != m.Path || len(f.Project.Args) != 2 {
		t.Fatalf("round-trip mismatch: %+v", f.Project)
	}
}

func TestWriteReadQueryFrame(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	q := QueryMessage{Subtype: QueryFindSymbols, Query: "foo", Limit: 10}
	if err := WriteQuery(w, q); err != nil {
		t.Fatalf("WriteQuery: %v", err)
	}

	f, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != MsgQuery || f.Query == nil || f.Query.Query != "foo" || f.Query.Limit != 10 {
		t.Fatalf("round-trip mismatch: %+v", f)
	}
}

func TestReadFrameRejectsShortHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 1, 0}))
	if _, err := ReadFrame(r); err == nil {
		t.Fatalf("expected error for a frame shorter than the type header")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteResponse(w, ResponseMessage{Line: "one", Finish: false}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if err := WriteResponse(w, ResponseMessage{Line: "two", Finish: true}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	f2, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if f1.Resp.Line != "one" || f1.Resp.Finish {
		t.Fatalf("unexpected first frame: %+v", f1.Resp)
	}
	if f2.Resp.Line != "two" || !f2.Resp.Finish {
		t.Fatalf("unexpected second frame: %+v", f2.Resp)
	}
}
