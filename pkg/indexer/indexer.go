// Package indexer implements the Indexer aggregator (component D): an
// in-memory staging buffer fed by parser jobs and a single dedicated
// writer goroutine that periodically merges the buffer into the KV
// stores without blocking producers.
//
// Grounded on pkg/store/code.go's read-merge-write-if-grown discipline
// for the union-merged buckets, and on pkg/watcher/watcher.go's
// debounce-timer idiom for the wake/flush scheduling shape (repurposed
// from "batch filesystem events" to "batch index deltas").
package indexer

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/carpecarp/rtags/pkg/kvstore"
	"github.com/carpecarp/rtags/pkg/symbol"
)

var indexerLog = log.New(os.Stderr, "[rtagsd:indexer] ", log.LstdFlags)

// WriterTimeout is the writer loop's fallback wake interval so slow
// drips still flush (§5 "Timeouts").
const WriterTimeout = 10 * time.Second

// Events receives the two notifications the writer loop drives the
// persistence controller with.
type Events interface {
	JobsComplete(n int)
	JobStarted(path string)
}

type refEntry struct {
	to   symbol.Location
	kind symbol.ReferenceKind
}

// staging holds the five mergeable maps described in §3, plus the set of
// distinct files touched since the last flush (used for the
// jobStarted/jobsComplete event pair).
type staging struct {
	symbolNames     map[string]map[symbol.Location]struct{}
	symbols         map[symbol.Location]*symbol.CursorInfo
	references      map[symbol.Location]refEntry
	dependencies    map[symbol.PathID]map[symbol.PathID]struct{}
	pchDependencies map[symbol.PathID]struct{}
	pchSet          bool
	fileInformation map[symbol.PathID]*symbol.FileInfo
	touchedFiles    map[string]struct{}
}

func newStaging() *staging {
	return &staging{
		symbolNames:     make(map[string]map[symbol.Location]struct{}),
		symbols:         make(map[symbol.Location]*symbol.CursorInfo),
		references:      make(map[symbol.Location]refEntry),
		dependencies:    make(map[symbol.PathID]map[symbol.PathID]struct{}),
		fileInformation: make(map[symbol.PathID]*symbol.FileInfo),
		touchedFiles:    make(map[string]struct{}),
	}
}

func (s *staging) empty() bool {
	return len(s.symbolNames) == 0 && len(s.symbols) == 0 && len(s.references) == 0 &&
		len(s.dependencies) == 0 && !s.pchSet && len(s.fileInformation) == 0
}

// Indexer is the per-project aggregator: staging buffer plus writer loop.
type Indexer struct {
	mu      sync.Mutex
	buf     *staging
	inFlight bool

	store  *kvstore.Store
	events Events
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates an Indexer writing flushed deltas to store and notifying
// events. The writer goroutine starts immediately.
func New(store *kvstore.Store, events Events) *Indexer {
	ix := &Indexer{
		buf:    newStaging(),
		store:  store,
		events: events,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go ix.writerLoop()
	return ix
}

func (ix *Indexer) touch(file string) {
	if file == "" {
		return
	}
	if _, ok := ix.buf.touchedFiles[file]; !ok {
		ix.buf.touchedFiles[file] = struct{}{}
		if !ix.inFlight {
			ix.inFlight = true
			if ix.events != nil {
				ix.events.JobStarted(file)
			}
		}
	}
}

func (ix *Indexer) signal() {
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

// AddSymbolNames unions locs into the staged set for name.
func (ix *Indexer) AddSymbolNames(file, name string, locs ...symbol.Location) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.buf.symbolNames[name]
	if !ok {
		set = make(map[symbol.Location]struct{})
		ix.buf.symbolNames[name] = set
	}
	for _, l := range locs {
		set[l] = struct{}{}
	}
	ix.touch(file)
	ix.signal()
}

// AddSymbols merges info into the staged cursor-info for loc via Unite.
func (ix *Indexer) AddSymbols(file string, loc symbol.Location, info *symbol.CursorInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	existing, ok := ix.buf.symbols[loc]
	if !ok {
		ix.buf.symbols[loc] = info.Clone()
	} else {
		existing.Unite(info)
	}
	ix.touch(file)
	ix.signal()
}

// AddReferences records a last-writer-wins reference from -> (to, kind).
func (ix *Indexer) AddReferences(file string, from, to symbol.Location, kind symbol.ReferenceKind) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buf.references[from] = refEntry{to: to, kind: kind}
	ix.touch(file)
	ix.signal()
}

// AddDependencies unions deps into the staged dependency set for id.
func (ix *Indexer) AddDependencies(file string, id symbol.PathID, deps ...symbol.PathID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.buf.dependencies[id]
	if !ok {
		set = make(map[symbol.PathID]struct{})
		ix.buf.dependencies[id] = set
	}
	for _, d := range deps {
		set[d] = struct{}{}
	}
	ix.touch(file)
	ix.signal()
}

// SetPchDependencies replaces the single pch-dependencies blob staged for
// the next flush.
func (ix *Indexer) SetPchDependencies(file string, deps map[symbol.PathID]struct{}) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buf.pchDependencies = deps
	ix.buf.pchSet = true
	ix.touch(file)
	ix.signal()
}

// AddFileInformation overwrites the staged file-information record for id.
func (ix *Indexer) AddFileInformation(file string, id symbol.PathID, info *symbol.FileInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buf.fileInformation[id] = info
	ix.touch(file)
	ix.signal()
}

// writerLoop is the single dedicated worker described in §4.2. It waits
// on a signal with a 10s timeout, swaps the staging maps out under lock,
// and flushes each non-empty map to the KV store in one atomic batch.
func (ix *Indexer) writerLoop() {
	defer close(ix.done)
	timer := time.NewTimer(WriterTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ix.stop:
			ix.flushOnce()
			return
		case <-ix.wake:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(WriterTimeout)
			ix.flushOnce()
		case <-timer.C:
			timer.Reset(WriterTimeout)
			ix.flushOnce()
		}
	}
}

func (ix *Indexer) flushOnce() {
	ix.mu.Lock()
	if ix.buf.empty() {
		ix.mu.Unlock()
		return
	}
	cycle := ix.buf
	ix.buf = newStaging()
	ix.inFlight = false
	ix.mu.Unlock()

	if err := ix.flushCycle(cycle); err != nil {
		indexerLog.Printf("flush failed: %v", err)
		return
	}

	n := len(cycle.touchedFiles)
	if n > 0 && ix.events != nil {
		ix.events.JobsComplete(n)
	}
}

// flushCycle implements the six-step writer algorithm from §4.2.
func (ix *Indexer) flushCycle(cycle *staging) error {
	// Step 1: symbol-names, union write-if-grew.
	if len(cycle.symbolNames) > 0 {
		if err := ix.store.UnionSymbolNames(cycle.symbolNames); err != nil {
			return err
		}
	}

	// Step 2: references. Mutate the concurrently-staged symbols map in
	// memory when the target is present there; otherwise read-modify-write
	// directly against the symbols KV store as its own atomic batch.
	kvUpdates := make(map[symbol.Location]*symbol.CursorInfo)
	for from, ref := range cycle.references {
		if toInfo, ok := cycle.symbols[ref.to]; ok {
			if toInfo.References == nil {
				toInfo.References = make(map[symbol.Location]struct{})
			}
			toInfo.References[from] = struct{}{}
			if ref.kind != symbol.RefNormal {
				fromInfo, ok := cycle.symbols[from]
				if !ok {
					fromInfo = symbol.NewCursorInfo()
					cycle.symbols[from] = fromInfo
				}
				fromInfo.References[ref.to] = struct{}{}
				for r := range toInfo.References {
					fromInfo.References[r] = struct{}{}
				}
				for r := range fromInfo.References {
					toInfo.References[r] = struct{}{}
				}
				if toInfo.Target.IsNull() {
					toInfo.Target = from
				}
			}
			continue
		}

		toInfo, err := ix.store.GetSymbol(ref.to)
		if err != nil && err != kvstore.ErrNotFound {
			return err
		}
		if toInfo == nil {
			toInfo = symbol.NewCursorInfo()
		}
		toInfo.References[from] = struct{}{}

		if ref.kind != symbol.RefNormal {
			fromInfo, err := ix.store.GetSymbol(from)
			if err != nil && err != kvstore.ErrNotFound {
				return err
			}
			if fromInfo == nil {
				fromInfo = symbol.NewCursorInfo()
			}
			fromInfo.References[ref.to] = struct{}{}
			for r := range toInfo.References {
				fromInfo.References[r] = struct{}{}
			}
			for r := range fromInfo.References {
				toInfo.References[r] = struct{}{}
			}
			if toInfo.Target.IsNull() {
				toInfo.Target = from
			}
			kvUpdates[from] = fromInfo
		}
		kvUpdates[ref.to] = toInfo
	}
	if len(kvUpdates) > 0 {
		if err := ix.store.UniteSymbols(kvUpdates); err != nil {
			return err
		}
	}

	// Step 3: symbols, unite write-if-changed.
	if len(cycle.symbols) > 0 {
		if err := ix.store.UniteSymbols(cycle.symbols); err != nil {
			return err
		}
	}

	// Step 4: dependencies, union write-if-grew.
	if len(cycle.dependencies) > 0 {
		if err := ix.store.UnionDependencies(cycle.dependencies); err != nil {
			return err
		}
	}

	// Step 5: pch-dependencies, replace.
	if cycle.pchSet {
		if err := ix.store.PutPchDependencies(cycle.pchDependencies); err != nil {
			return err
		}
	}

	// Step 6: file-information, overwrite.
	if len(cycle.fileInformation) > 0 {
		if err := ix.store.PutFileInformation(cycle.fileInformation); err != nil {
			return err
		}
	}

	return nil
}

// Close stops the writer loop after a final flush.
func (ix *Indexer) Close() {
	close(ix.stop)
	<-ix.done
}

// Flush forces an immediate synchronous flush; tests use it to make
// staged deltas visible in the store without waiting for the writer.
func (ix *Indexer) Flush() {
	ix.flushOnce()
}
