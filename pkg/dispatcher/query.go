package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/carpecarp/rtags/pkg/indexer"
	"github.com/carpecarp/rtags/pkg/ingest"
	"github.com/carpecarp/rtags/pkg/jobs"
	"github.com/carpecarp/rtags/pkg/kvstore"
	"github.com/carpecarp/rtags/pkg/persist"
	"github.com/carpecarp/rtags/pkg/project"
	"github.com/carpecarp/rtags/pkg/registry"
	"github.com/carpecarp/rtags/pkg/symbol"
)

// handleProject runs on the event loop: it registers or replaces a
// project and kicks off ingestion asynchronously.
func (d *Dispatcher) handleProject(cs *connState, m ProjectMessage) {
	key := keyForProject(m)

	d.mu.Lock()
	d.originals[key] = m
	d.mu.Unlock()

	// events must stay a nil indexer.Events interface (not a typed-nil
	// *persist.ProjectEvents) when no persistence controller is wired, or
	// the indexer's nil check on its events field would see a non-nil
	// interface wrapping a nil pointer.
	var events indexer.Events
	if d.persist != nil {
		events = &persist.ProjectEvents{Controller: d.persist}
	}

	var store *kvstore.Store
	if d.stores != nil {
		store = d.stores.KV
	}

	// Per-project blobs are restored lazily, on first fileReady for that
	// project (§4.7), not eagerly here: registering a project only adds
	// it to the registry.
	p := newProjectFromMessage(m, store, events)
	d.registry.Add(key, p)

	d.saveProjectsFile()

	if m.Kind == symbol.ProjectGRTags {
		// A pre-existing GRTAGS directory has no build tool to dry-run,
		// so there is no fileReady event to restore on; its source root
		// is the directory itself, and this registration is its one
		// "ready" moment.
		p.Init(m.Path, m.Path)
		d.restoreProject(p, key)
		d.registry.NotifyIngested(p)
		cs.reply(fmt.Sprintf("Added GRTags project %s", m.Path), true)
		return
	}

	if m.Kind == symbol.ProjectIndexer && d.watcher != nil {
		_ = d.watcher.Watch(m.Path)
	}

	d.runIngestion(p, m)
	cs.reply(fmt.Sprintf("Indexing project %s", m.Path), true)
}

// restoreProject attempts to load key's per-project blob from disk into
// p, the lazy restore point described by §4.7: called on first fileReady
// for a project (or at registration for a GRTAGS project, which has no
// fileReady), so a project that is registered but never ingested never
// pays for a disk read.
func (d *Dispatcher) restoreProject(p *project.Project, key string) {
	if d.dataDir == "" {
		return
	}
	ok, err := persist.LoadProject(d.dataDir, p, key)
	if err != nil {
		dispatchLog.Printf("restore project %s: %v", key, err)
		return
	}
	if ok {
		d.registry.NotifyIngested(p)
	}
}

// runIngestion submits an indexing-priority job that drives the
// appropriate ingester (BuildIngester or SmartIngester) and parses each
// discovered translation unit, per §4.5.
func (d *Dispatcher) runIngestion(p *project.Project, m ProjectMessage) {
	if d.pool == nil {
		return
	}
	id := d.nextID()
	d.pool.Start(jobs.Task{
		ID:       id,
		Priority: jobs.PriorityIndexer,
		Run: func(ctx context.Context, _ jobs.Sink) {
			h := &ingestHandler{d: d, p: p}
			switch m.Kind {
			case symbol.ProjectSmart:
				(&ingest.SmartIngester{Root: m.Path}).Run(ctx, h)
			default:
				(&ingest.BuildIngester{
					Makefile:     m.Path,
					Args:         m.Args,
					UseDashB:     m.UseDashB,
					NoMakeTricks: m.NoMakeTricks,
					Automake:     m.Automake,
				}).Run(ctx, h)
			}
		},
	})
}

// ingestHandler adapts an ingester's fileReady/done callbacks to a
// project: interning the path, discovering the source root on the first
// file, recording the compile command, and submitting a parse job.
type ingestHandler struct {
	d    *Dispatcher
	p    *project.Project
	seen bool
}

func (h *ingestHandler) FileReady(cmd symbol.SourceInfo, lang ingest.Language) {
	if !h.seen {
		h.seen = true
		if h.p.SrcRoot() == "" {
			root, _ := registry.DiscoverSrcRoot(cmd.Path)
			h.p.Init(root, root)
			h.d.restoreProject(h.p, h.p.Key())
		}
	}

	id := h.d.interner.Intern(cmd.Path)
	if h.p.Files().IsClean(id, cmd) {
		return // R2: identical compile command, nothing to reindex
	}
	h.p.Files().Set(id, cmd)

	if h.d.provider == nil || lang == ingest.LangNone {
		return
	}
	h.d.submitParseJob(h.p, cmd)
}

func (h *ingestHandler) Done(err error) {
	if err != nil {
		dispatchLog.Printf("ingestion for %s finished with error: %v", h.p.Key(), err)
	}
	h.d.registry.NotifyIngested(h.p)
}

// submitParseJob reads the file and runs it through the frontend
// provider, feeding the resulting symbols/references/dependencies into
// the project's indexer.
func (d *Dispatcher) submitParseJob(p *project.Project, cmd symbol.SourceInfo) {
	if d.pool == nil {
		return
	}
	id := d.nextID()
	d.pool.Start(jobs.Task{
		ID:       id,
		Priority: jobs.PriorityIndexer,
		Run: func(ctx context.Context, _ jobs.Sink) {
			content, err := os.ReadFile(cmd.Path)
			if err != nil {
				return // per §7: per-job failures finish silently
			}
			result, err := d.provider.Parse(ctx, cmd, content)
			if err != nil || ctx.Err() != nil {
				return
			}

			ix := p.Indexer()
			fileID := d.interner.Intern(cmd.Path)

			names := make(map[string][]symbol.Location)
			for _, s := range result.Symbols {
				loc := symbol.Location{Path: fileID, Offset: s.Offset}
				names[s.Name] = append(names[s.Name], loc)
				info := symbol.NewCursorInfo()
				info.Kind = s.Kind
				info.USR = s.USR
				info.Symbol = s.Name
				ix.AddSymbols(cmd.Path, loc, info)
			}
			for name, locs := range names {
				ix.AddSymbolNames(cmd.Path, name, locs...)
			}
			if d.stores != nil && d.stores.Search != nil {
				for _, s := range result.Symbols {
					_ = d.stores.Search.IndexSymbol(s.Name, kvstore.SymbolDoc{Name: s.Name, Kind: s.Kind.String(), USR: s.USR})
				}
			}
			for _, r := range result.References {
				from := symbol.Location{Path: fileID, Offset: r.Offset}
				// The frontend reports no target location, so the
				// reference records only its origin and kind; the target
				// stays null and the writer does not resolve it later.
				ix.AddReferences(cmd.Path, from, symbol.NullLocation, r.Kind)
			}

			if len(result.Dependencies) > 0 {
				depIDs := make([]symbol.PathID, 0, len(result.Dependencies))
				for _, dep := range result.Dependencies {
					depIDs = append(depIDs, d.interner.Intern(dep))
				}
				ix.AddDependencies(cmd.Path, fileID, depIDs...)
			}

			ix.AddFileInformation(cmd.Path, fileID, &symbol.FileInfo{Args: cmd.Args})
		},
	})
}

// handleQuery runs query handling; it returns true if the daemon should
// shut down after this query.
func (d *Dispatcher) handleQuery(cs *connState, q QueryMessage) bool {
	switch q.Subtype {
	case QueryShutdown:
		cs.reply("Shutting down", true)
		go d.Shutdown()
		return true

	case QueryIsIndexed:
		d.post(func() {
			p := d.selectForPath(q.Path)
			if p == nil {
				cs.reply("0", true)
				return
			}
			id, ok := d.interner.Lookup(q.Path)
			if !ok || !p.IsIndexed(id) {
				cs.reply("0", true)
				return
			}
			cs.reply("1", true)
		})

	case QueryHasFileManager:
		d.post(func() {
			p := d.selectForPath(q.Path)
			if p == nil || !p.IsValid() {
				cs.reply("0", true)
				return
			}
			cs.reply("1", true)
		})

	case QueryFindFile, QueryDumpFile:
		d.post(func() {
			p := d.selectForPath(q.Path)
			if p == nil {
				cs.reply("no matching project", true)
				return
			}
			id, ok := d.interner.Lookup(q.Path)
			if !ok {
				cs.reply("not indexed", true)
				return
			}
			info, ok := p.Files().Get(id)
			if !ok {
				cs.reply("not indexed", true)
				return
			}
			cs.reply(fmt.Sprintf("%s %s", info.Path, strings.Join(info.Args, " ")), true)
		})

	case QueryProjectSelect:
		d.post(func() { d.replyProjectSelect(cs, q.Query) })

	case QueryReloadProjects:
		d.post(func() { cs.reply(fmt.Sprintf("%d projects loaded", len(d.registry.List())), true) })

	case QueryClearProjects:
		d.post(func() {
			for _, p := range d.registry.List() {
				d.registry.Remove(p.Key())
			}
			d.mu.Lock()
			d.originals = make(map[string]ProjectMessage)
			d.mu.Unlock()
			d.saveProjectsFile()
			cs.reply("Projects cleared", true)
		})

	case QueryDeleteProject, QueryUnloadProject:
		d.post(func() { d.replyUnloadOrDelete(cs, q, q.Subtype == QueryDeleteProject) })

	case QueryReindex:
		d.post(func() { d.replyReindex(cs, q.Path) })

	case QueryStatus:
		d.post(func() { d.replyStatus(cs) })

	case QueryListSymbols:
		d.submitQueryJob(cs, func(ctx context.Context, sink jobs.Sink) { d.runListSymbols(ctx, sink, q) })

	case QueryFindSymbols:
		d.submitQueryJob(cs, func(ctx context.Context, sink jobs.Sink) { d.runFindSymbols(ctx, sink, q) })

	case QueryReferencesByName:
		d.submitQueryJob(cs, func(ctx context.Context, sink jobs.Sink) { d.runReferencesByName(ctx, sink, q) })

	case QueryCursorInfo, QueryFollowLocation, QueryReferencesAtLocation:
		d.submitQueryJob(cs, func(ctx context.Context, sink jobs.Sink) { d.runLocationQuery(ctx, sink, q) })

	case QueryFixIts, QueryErrors, QueryPreprocessFile:
		// No clang-diagnostics pipeline is wired into this daemon (no
		// frontend surfaces diagnostics yet); the query finishes with no
		// output, per §7's per-job "finishes silently" handling of
		// unsupported operations.
		cs.reply("", true)

	default:
		dispatchLog.Printf("unknown query subtype %d, ignoring", q.Subtype)
		cs.reply("", true)
	}
	return false
}

func (d *Dispatcher) selectForPath(path string) *project.Project {
	if path == "" {
		return d.registry.Current()
	}
	return d.registry.Select(path)
}

func (d *Dispatcher) replyProjectSelect(cs *connState, query string) {
	if query == "" {
		cur := d.registry.Current()
		for _, p := range d.registry.List() {
			marker := "  "
			if p == cur {
				marker = "<="
			}
			cs.reply(fmt.Sprintf("%s %s (loaded)", marker, p.Key()), false)
		}
		cs.reply("", true)
		return
	}

	p, ambiguous := d.registry.SelectByKeyOrRegex(query)
	if ambiguous {
		cs.reply("Ambiguous project match", true)
		return
	}
	if p == nil {
		cs.reply("No matching project", true)
		return
	}
	cs.reply(fmt.Sprintf("Selected project: %s", p.Key()), true)
}

func (d *Dispatcher) replyUnloadOrDelete(cs *connState, q QueryMessage, wantDelete bool) {
	p, ok := d.registry.Get(q.Path)
	if !ok {
		cs.reply("No matching project", true)
		return
	}
	p.Unload()
	if d.watcher != nil {
		d.watcher.Unwatch(q.Path)
	}
	if wantDelete {
		d.registry.Remove(q.Path)
		d.mu.Lock()
		delete(d.originals, q.Path)
		d.mu.Unlock()
		d.saveProjectsFile()
		cs.reply(fmt.Sprintf("Deleted project %s", q.Path), true)
		return
	}
	cs.reply(fmt.Sprintf("Unloaded project %s", q.Path), true)
}

func (d *Dispatcher) replyReindex(cs *connState, path string) {
	d.mu.Lock()
	m, ok := d.originals[path]
	d.mu.Unlock()
	if !ok {
		cs.reply("No matching project", true)
		return
	}
	p, ok := d.registry.Get(path)
	if !ok {
		cs.reply("No matching project", true)
		return
	}
	d.runIngestion(p, m)
	cs.reply(fmt.Sprintf("Reindexing %s", path), true)
}

func (d *Dispatcher) replyStatus(cs *connState) {
	projects := d.registry.List()
	cs.reply(fmt.Sprintf("%d projects registered", len(projects)), false)
	for _, p := range projects {
		state := "unloaded"
		if p.IsValid() {
			state = "loaded"
		}
		cs.reply(fmt.Sprintf("  %s [%s] srcRoot=%s", p.Key(), state, p.SrcRoot()), false)
	}
	if d.stores != nil && d.stores.KV != nil {
		if stats, err := d.stores.KV.Stats(); err == nil {
			cs.reply(fmt.Sprintf("symbols=%d names=%d deps=%d files=%d",
				stats.Symbols, stats.SymbolNames, stats.Dependencies, stats.Files), false)
		}
	}
	cs.reply("", true)
}

// OnMakefileChanged implements watcher.Handler, re-running the build
// ingester for the owning project with its originally recorded
// arguments, per §4.8.
func (d *Dispatcher) OnMakefileChanged(path string) {
	d.post(func() {
		p, ok := d.registry.Get(path)
		if !ok || !p.IsValid() {
			return
		}
		d.mu.Lock()
		m, ok := d.originals[path]
		d.mu.Unlock()
		if !ok {
			return
		}
		d.runIngestion(p, m)
	})
}

func (d *Dispatcher) runListSymbols(ctx context.Context, sink jobs.Sink, q QueryMessage) {
	p := d.selectForPath(q.Path)
	if p == nil || d.stores == nil || d.stores.Search == nil {
		sink.Emit(nil, true)
		return
	}
	names, err := d.stores.Search.FindSymbols("", q.limitOrDefault())
	if err != nil {
		sink.Emit([]byte(err.Error()), true)
		return
	}
	d.emitLines(ctx, sink, names)
}

func (d *Dispatcher) runFindSymbols(ctx context.Context, sink jobs.Sink, q QueryMessage) {
	if d.stores == nil || d.stores.Search == nil {
		sink.Emit(nil, true)
		return
	}
	names, err := d.stores.Search.FindSymbols(q.Query, q.limitOrDefault())
	if err != nil {
		sink.Emit([]byte(err.Error()), true)
		return
	}
	d.emitLines(ctx, sink, names)
}

func (d *Dispatcher) runReferencesByName(ctx context.Context, sink jobs.Sink, q QueryMessage) {
	if d.stores == nil || d.stores.KV == nil {
		sink.Emit(nil, true)
		return
	}
	locs, err := d.stores.KV.GetSymbolNames(q.Query)
	if err != nil {
		if err == kvstore.ErrNotFound {
			sink.Emit(nil, true)
			return
		}
		sink.Emit([]byte(err.Error()), true)
		return
	}
	d.emitLocations(ctx, sink, locs)
}

func (d *Dispatcher) runLocationQuery(ctx context.Context, sink jobs.Sink, q QueryMessage) {
	if d.stores == nil || d.stores.KV == nil {
		sink.Emit(nil, true)
		return
	}
	id, ok := d.interner.Lookup(q.Path)
	if !ok {
		sink.Emit(nil, true)
		return
	}
	loc := symbol.Location{Path: id, Offset: q.Offset}
	info, err := d.stores.KV.GetSymbol(loc)
	if err != nil {
		if err == kvstore.ErrNotFound {
			sink.Emit(nil, true)
			return
		}
		sink.Emit([]byte(err.Error()), true)
		return
	}

	switch q.Subtype {
	case QueryCursorInfo:
		sink.Emit([]byte(fmt.Sprintf("kind=%s usr=%s symbol=%s", info.Kind, info.USR, info.Symbol)), false)
		sink.Emit(nil, true)
	case QueryFollowLocation:
		if info.Target.IsNull() {
			sink.Emit(nil, true)
			return
		}
		sink.Emit([]byte(info.Target.String()), false)
		sink.Emit(nil, true)
	case QueryReferencesAtLocation:
		locsSet := make(map[symbol.Location]struct{}, len(info.References))
		for l := range info.References {
			locsSet[l] = struct{}{}
		}
		d.emitLocations(ctx, sink, locsSet)
	}
}

// emitLines streams lines to sink, checking ctx between every emitted
// line so an aborted query stops producing output at its next checkpoint
// instead of running the list to completion.
func (d *Dispatcher) emitLines(ctx context.Context, sink jobs.Sink, lines []string) {
	for _, l := range lines {
		if ctx.Err() != nil {
			return
		}
		sink.Emit([]byte(l), false)
	}
	sink.Emit(nil, true)
}

func (d *Dispatcher) emitLocations(ctx context.Context, sink jobs.Sink, locs map[symbol.Location]struct{}) {
	out := make([]string, 0, len(locs))
	for l := range locs {
		out = append(out, l.String())
	}
	sort.Strings(out)
	d.emitLines(ctx, sink, out)
}

func (q QueryMessage) limitOrDefault() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}
