package dispatcher

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carpecarp/rtags/pkg/jobs"
	"github.com/carpecarp/rtags/pkg/pathid"
	"github.com/carpecarp/rtags/pkg/registry"
	"github.com/carpecarp/rtags/pkg/symbol"
)

func newTestDispatcher(t *testing.T, socketPath string) *Dispatcher {
	t.Helper()
	reg := registry.New()
	pool := jobs.New(2)
	interner := pathid.New()
	d := New(socketPath, t.TempDir(), reg, pool, interner, nil, nil, nil, nil)
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return d
}

func dialTest(t *testing.T, socketPath string) (net.Conn, *bufio.Writer, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn, bufio.NewWriter(conn), bufio.NewReader(conn)
}

func drainUntilFinish(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		f, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.Resp == nil {
			t.Fatalf("expected a ResponseMessage frame, got %+v", f)
		}
		lines = append(lines, f.Resp.Line)
		if f.Resp.Finish {
			return lines
		}
	}
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "rtagsd.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d := newTestDispatcher(t, socketPath)
	defer d.Shutdown()
}

func TestSmartProjectRegistrationAndStatus(t *testing.T) {
	srcRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcRoot, "foo.c"), []byte("int main(void) { return 0; }\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "rtagsd.sock")
	d := newTestDispatcher(t, socketPath)
	serveDone := make(chan struct{})
	go func() {
		d.Serve()
		close(serveDone)
	}()

	conn, w, r := dialTest(t, socketPath)
	defer conn.Close()

	if err := WriteProject(w, ProjectMessage{Kind: symbol.ProjectSmart, Path: srcRoot}); err != nil {
		t.Fatalf("WriteProject: %v", err)
	}
	if lines := drainUntilFinish(t, r); len(lines) == 0 {
		t.Fatalf("expected an acknowledgement for the project registration")
	}

	if err := WriteQuery(w, QueryMessage{Subtype: QueryStatus}); err != nil {
		t.Fatalf("WriteQuery: %v", err)
	}
	lines := drainUntilFinish(t, r)
	found := false
	for _, l := range lines {
		if l == "1 projects registered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected status to report the registered project, got %v", lines)
	}

	if err := WriteQuery(w, QueryMessage{Subtype: QueryShutdown}); err != nil {
		t.Fatalf("WriteQuery shutdown: %v", err)
	}
	lines = drainUntilFinish(t, r)
	if len(lines) != 1 || lines[0] != "Shutting down" {
		t.Fatalf("expected a single 'Shutting down' line, got %v", lines)
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after shutdown")
	}
}

func TestIsIndexedAndHasFileManagerOnUnknownProject(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "rtagsd.sock")
	d := newTestDispatcher(t, socketPath)
	serveDone := make(chan struct{})
	go func() {
		d.Serve()
		close(serveDone)
	}()

	conn, w, r := dialTest(t, socketPath)
	defer conn.Close()

	if err := WriteQuery(w, QueryMessage{Subtype: QueryIsIndexed, Path: "/nowhere/foo.c"}); err != nil {
		t.Fatalf("WriteQuery: %v", err)
	}
	lines := drainUntilFinish(t, r)
	if len(lines) != 1 || lines[0] != "0" {
		t.Fatalf("expected \"0\" for an unindexed file, got %v", lines)
	}

	if err := WriteQuery(w, QueryMessage{Subtype: QueryHasFileManager, Path: "/nowhere/foo.c"}); err != nil {
		t.Fatalf("WriteQuery: %v", err)
	}
	lines = drainUntilFinish(t, r)
	if len(lines) != 1 || lines[0] != "0" {
		t.Fatalf("expected \"0\" for a file with no project, got %v", lines)
	}

	if err := WriteQuery(w, QueryMessage{Subtype: QueryShutdown}); err != nil {
		t.Fatalf("WriteQuery shutdown: %v", err)
	}
	drainUntilFinish(t, r)

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after shutdown")
	}
}
