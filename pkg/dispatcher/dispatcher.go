package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/carpecarp/rtags/pkg/frontend"
	"github.com/carpecarp/rtags/pkg/indexer"
	"github.com/carpecarp/rtags/pkg/jobs"
	"github.com/carpecarp/rtags/pkg/kvstore"
	"github.com/carpecarp/rtags/pkg/pathid"
	"github.com/carpecarp/rtags/pkg/persist"
	"github.com/carpecarp/rtags/pkg/project"
	"github.com/carpecarp/rtags/pkg/projectsfile"
	"github.com/carpecarp/rtags/pkg/registry"
	"github.com/carpecarp/rtags/pkg/watcher"
)

var dispatchLog = log.New(os.Stderr, "[rtagsd:dispatcher] ", log.LstdFlags)

// bindRetries is the number of times the daemon retries binding the
// socket, per §6, each attempt preceded by an attempt to notify and
// displace a prior listener.
const bindRetries = 10

// Stores is the set of backing KV/search stores a project needs; one
// instance is shared across all projects in this minimal single-store
// daemon configuration (a real deployment could shard per-project).
type Stores struct {
	KV     *kvstore.Store
	Search *kvstore.SearchIndex
}

// Dispatcher is the Unix-socket listener and single-threaded dispatch
// loop described in §4.6/§5. Closures posted to the loop run one at a
// time, but shared state is not confined to it: the pending-lookups
// table is guarded by mu and touched from connection goroutines and job
// sinks, and the registry (which has its own lock) is also called from
// worker jobs.
type Dispatcher struct {
	socketPath   string
	dataDir      string
	projectsPath string

	registry *registry.Registry
	pool     *jobs.Pool
	interner *pathid.Interner
	watcher  *watcher.Watcher
	persist  *persist.Controller
	stores   *Stores
	provider frontend.TranslationUnitProvider

	listener net.Listener

	loopCh   chan func()
	loopStop chan struct{}
	loopDone chan struct{}

	mu         sync.Mutex
	nextJobID  uint32
	pending    map[jobs.ID]*pendingEntry
	conns      map[net.Conn]*connState
	originals  map[string]ProjectMessage
	shutdownRq bool

	acceptWG sync.WaitGroup
}

type pendingEntry struct {
	conn net.Conn
}

type connState struct {
	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex
	pending map[jobs.ID]struct{}
}

// New creates a dispatcher. stores/provider may be nil in configurations
// that only exercise project/registry management without parsing.
func New(socketPath, dataDir string, reg *registry.Registry, pool *jobs.Pool, interner *pathid.Interner, w *watcher.Watcher, pc *persist.Controller, stores *Stores, provider frontend.TranslationUnitProvider) *Dispatcher {
	d := &Dispatcher{
		socketPath: socketPath,
		dataDir:    dataDir,
		registry:   reg,
		pool:       pool,
		interner:   interner,
		watcher:    w,
		persist:    pc,
		stores:     stores,
		provider:   provider,
		pending:    make(map[jobs.ID]*pendingEntry),
		conns:      make(map[net.Conn]*connState),
		originals:  make(map[string]ProjectMessage),
		loopCh:     make(chan func(), 64),
		loopStop:   make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	return d
}

// SetProjectsFile configures the path used to persist and replay known
// project registrations across restarts (§3A). It must be called before
// Listen/ReplayProjectsFile for registrations to survive a restart.
func (d *Dispatcher) SetProjectsFile(path string) { d.projectsPath = path }

// ReplayProjectsFile re-registers every project remembered in the
// projects file, driving the same path handleProject uses but without a
// client connection to reply to.
func (d *Dispatcher) ReplayProjectsFile() {
	if d.projectsPath == "" {
		return
	}
	entries, err := projectsfile.Load(d.projectsPath)
	if err != nil {
		dispatchLog.Printf("load projects file %s: %v", d.projectsPath, err)
		return
	}
	for _, e := range entries {
		m := ProjectMessage{
			Kind: e.Kind, Path: e.Path, Args: e.Args, ExtraFlags: e.ExtraFlags,
			UseDashB: e.UseDashB, NoMakeTricks: e.NoMakeTricks, Automake: e.Automake,
		}
		d.post(func() { d.handleProject(&connState{writer: bufio.NewWriter(io.Discard)}, m) })
	}
}

// saveProjectsFile persists every currently tracked registration
// (d.originals) so a later restart can call ReplayProjectsFile. Errors
// are logged, not fatal: the projects file is a convenience cache, not
// the source of truth for what is indexed (the per-project blobs are).
func (d *Dispatcher) saveProjectsFile() {
	if d.projectsPath == "" {
		return
	}
	d.mu.Lock()
	entries := make([]projectsfile.Entry, 0, len(d.originals))
	for _, m := range d.originals {
		entries = append(entries, projectsfile.Entry{
			Kind: m.Kind, Path: m.Path, Args: m.Args, ExtraFlags: m.ExtraFlags,
			UseDashB: m.UseDashB, NoMakeTricks: m.NoMakeTricks, Automake: m.Automake,
		})
	}
	d.mu.Unlock()
	if err := projectsfile.Save(d.projectsPath, entries); err != nil {
		dispatchLog.Printf("save projects file %s: %v", d.projectsPath, err)
	}
}

// nextID implements §4.6's job-id generation: post-increment a counter;
// if the result is zero, increment again.
func (d *Dispatcher) nextID() jobs.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextJobID++
	if d.nextJobID == 0 {
		d.nextJobID++
	}
	return jobs.ID(d.nextJobID)
}

// Listen binds the Unix socket, retrying up to bindRetries times; each
// attempt first tries to notify any existing listener with a shutdown
// request and remove the stale socket file, per §6.
func (d *Dispatcher) Listen() error {
	var lastErr error
	for attempt := 0; attempt < bindRetries; attempt++ {
		notifyAndRemoveStaleSocket(d.socketPath)

		l, err := net.Listen("unix", d.socketPath)
		if err == nil {
			d.listener = l
			return nil
		}
		lastErr = err
		dispatchLog.Printf("bind attempt %d/%d on %s failed: %v", attempt+1, bindRetries, d.socketPath, err)
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("dispatcher: failed to bind %s after %d attempts: %w", d.socketPath, bindRetries, lastErr)
}

// notifyAndRemoveStaleSocket dials the existing socket (if any), sends a
// shutdown query so a live daemon vacates gracefully, then removes the
// socket file so the next Listen attempt does not collide with a stale
// inode.
func notifyAndRemoveStaleSocket(path string) {
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		w := bufio.NewWriter(conn)
		_ = WriteQuery(w, QueryMessage{Subtype: QueryShutdown})
		_ = conn.Close()
	}
	_ = os.Remove(path)
}

// Serve runs the dispatch loop and the accept loop until Stop is called.
// It blocks until both have exited.
func (d *Dispatcher) Serve() {
	go d.runLoop()

	d.acceptWG.Add(1)
	go d.acceptLoop()
	d.acceptWG.Wait()

	close(d.loopStop)
	<-d.loopDone
}

func (d *Dispatcher) acceptLoop() {
	defer d.acceptWG.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		cs := &connState{conn: conn, writer: bufio.NewWriter(conn), pending: make(map[jobs.ID]struct{})}
		d.mu.Lock()
		d.conns[conn] = cs
		d.mu.Unlock()
		go d.handleConn(cs)
	}
}

// runLoop is the single-threaded cooperative event loop: it drains
// closures posted by connection goroutines and runs them one at a time.
func (d *Dispatcher) runLoop() {
	defer close(d.loopDone)
	for {
		select {
		case fn := <-d.loopCh:
			fn()
		case <-d.loopStop:
			// Drain anything already queued before exiting.
			for {
				select {
				case fn := <-d.loopCh:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post schedules fn to run on the event loop, blocking the caller until
// it has executed (conceptually "yields only between messages": the
// calling connection goroutine waits for its own request to be handled
// before reading the next frame on that connection).
func (d *Dispatcher) post(fn func()) {
	done := make(chan struct{})
	d.loopCh <- func() {
		fn()
		close(done)
	}
	<-done
}

func (d *Dispatcher) handleConn(cs *connState) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, cs.conn)
		ids := make([]jobs.ID, 0, len(cs.pending))
		for id := range cs.pending {
			ids = append(ids, id)
		}
		d.mu.Unlock()

		// A connection close purges all its pending-lookup entries and
		// aborts their jobs, per §4.6.
		for _, id := range ids {
			d.pool.Abort(id)
			d.mu.Lock()
			delete(d.pending, id)
			d.mu.Unlock()
		}
		_ = cs.conn.Close()
	}()

	r := bufio.NewReader(cs.conn)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			return
		}
		switch f.Type {
		case MsgProject:
			if f.Project != nil {
				d.post(func() { d.handleProject(cs, *f.Project) })
			}
		case MsgQuery:
			if f.Query != nil {
				if d.handleQuery(cs, *f.Query) {
					return // shutdown requested
				}
			}
		case MsgCreateOutput:
			// Accepted but log-sink registration is out of scope beyond
			// acknowledging the connection stays open; nothing further
			// to do until the daemon gains a logging subsystem.
		default:
			dispatchLog.Printf("unknown message type %d, ignoring", f.Type)
		}
	}
}

// reply writes one line; finish marks the end of a query's output.
func (cs *connState) reply(line string, finish bool) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	_ = WriteResponse(cs.writer, ResponseMessage{Line: line, Finish: finish})
}

// connSink adapts a connection+job-id pair to jobs.Sink, forwarding
// output events as ResponseMessage frames and clearing the pending-lookup
// entry on finish.
type connSink struct {
	d    *Dispatcher
	cs   *connState
	id   jobs.ID
}

func (s *connSink) Emit(data []byte, finish bool) {
	s.cs.reply(string(data), finish)
	if finish {
		s.d.mu.Lock()
		delete(s.d.pending, s.id)
		delete(s.cs.pending, s.id)
		s.d.mu.Unlock()
	}
}

// submitQueryJob registers (job-id -> connection) in the pending-lookups
// table and starts the job at query priority, per §4.6. The job body runs
// with the pool-supplied context so pool.Abort actually cancels it: the
// pool, not the dispatcher, owns the per-job context.
func (d *Dispatcher) submitQueryJob(cs *connState, run jobs.Func) jobs.ID {
	id := d.nextID()

	d.mu.Lock()
	d.pending[id] = &pendingEntry{conn: cs.conn}
	cs.pending[id] = struct{}{}
	d.mu.Unlock()

	sink := &connSink{d: d, cs: cs, id: id}
	d.pool.Start(jobs.Task{
		ID:       id,
		Priority: jobs.PriorityQuery,
		Sink:     sink,
		Run:      run,
	})
	return id
}

// Shutdown asks the event loop to exit, cancels every pending job, and
// closes the listener. Pending jobs are cancelled during teardown, per
// §4.6/S6: shutdown must complete within the spec's 200ms budget without
// waiting for queued (not yet started) jobs.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for id := range d.pending {
		d.pool.Abort(id)
	}
	d.pending = make(map[jobs.ID]*pendingEntry)
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.pool != nil {
		d.pool.ClearBackLog()
	}
}

// keyForProject derives a project's registration key from a
// ProjectMessage: the makefile path, GRTAGS directory, or smart-project
// root, used verbatim as the key (§3/§4.3).
func keyForProject(m ProjectMessage) string { return m.Path }

// newProjectFromMessage constructs the project for a ProjectMessage,
// without running ingestion — the caller starts ingestion asynchronously
// via runIngestion.
func newProjectFromMessage(m ProjectMessage, store *kvstore.Store, events indexer.Events) *project.Project {
	return project.New(keyForProject(m), m.Kind, store, events)
}
