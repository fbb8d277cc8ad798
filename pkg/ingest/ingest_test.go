package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/carpecarp/rtags/pkg/symbol"
)

func TestParseCompileLine(t *testing.T) {
	cmd, lang, ok := parseCompileLine(`gcc -Wall -I/usr/include -c main.c -o main.o`)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if lang != LangC {
		t.Fatalf("expected LangC, got %v", lang)
	}
	if cmd.Path != "main.c" {
		t.Fatalf("expected path main.c, got %q", cmd.Path)
	}
	if cmd.Compiler != "gcc" {
		t.Fatalf("expected compiler gcc, got %q", cmd.Compiler)
	}
}

func TestParseCompileLineIgnoresNonCompileLines(t *testing.T) {
	_, _, ok := parseCompileLine(`echo "building"`)
	if ok {
		t.Fatalf("expected non-compiler line to be ignored")
	}
}

type collectingHandler struct {
	files []symbol.SourceInfo
	done  bool
	err   error
}

func (h *collectingHandler) FileReady(cmd symbol.SourceInfo, lang Language) {
	h.files = append(h.files, cmd)
}
func (h *collectingHandler) Done(err error) {
	h.done = true
	h.err = err
}

func TestSmartIngesterDiscoversSources(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.c"), []byte("int main(){return 0;}"), 0o644); err != nil {
		t.Fatalf("write a.c: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("not source"), 0o644); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	s := &SmartIngester{Root: dir}
	h := &collectingHandler{}
	s.Run(context.Background(), h)

	if !h.done {
		t.Fatalf("expected Done to be called")
	}
	if len(h.files) != 1 {
		t.Fatalf("expected exactly one discovered source file, got %d: %v", len(h.files), h.files)
	}
}
