// Package project implements the Project façade (component E): a
// per-source-tree bundle combining a file manager, an indexer handle,
// and the source-root discovered for it.
package project

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/carpecarp/rtags/pkg/indexer"
	"github.com/carpecarp/rtags/pkg/kvstore"
	"github.com/carpecarp/rtags/pkg/symbol"
)

// SchemaVersion is stamped at the head of a project's saved blob.
const SchemaVersion uint32 = 1

// FileManager tracks which files belong to this project and what they
// were last indexed with, scoped to one project's path ids.
type FileManager struct {
	mu    sync.RWMutex
	files map[symbol.PathID]symbol.SourceInfo
}

// NewFileManager returns an empty file manager.
func NewFileManager() *FileManager {
	return &FileManager{files: make(map[symbol.PathID]symbol.SourceInfo)}
}

// IsIndexed reports whether fileID has a recorded compile command.
func (fm *FileManager) IsIndexed(fileID symbol.PathID) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	_, ok := fm.files[fileID]
	return ok
}

// Get returns the compile command recorded for fileID.
func (fm *FileManager) Get(fileID symbol.PathID) (symbol.SourceInfo, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	info, ok := fm.files[fileID]
	return info, ok
}

// IsClean reports whether info matches the previously recorded command
// for its file exactly, per the "clean" definition in §3.
func (fm *FileManager) IsClean(fileID symbol.PathID, info symbol.SourceInfo) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	existing, ok := fm.files[fileID]
	return ok && existing.Equal(info)
}

// Set records the compile command used for fileID.
func (fm *FileManager) Set(fileID symbol.PathID, info symbol.SourceInfo) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.files[fileID] = info
}

// Project is the per-source-tree façade described in §3/§4.3.
type Project struct {
	mu sync.RWMutex

	key              string
	kind             symbol.ProjectKind
	srcRoot          string
	resolvedSrcRoot  string
	valid            bool

	files   *FileManager
	indexer *indexer.Indexer
	store   *kvstore.Store
}

// New creates a project keyed by key (a makefile path, GRTAGS directory,
// or smart-project directory) with the given kind, backed by store.
func New(key string, kind symbol.ProjectKind, store *kvstore.Store, events indexer.Events) *Project {
	return &Project{
		key:     key,
		kind:    kind,
		files:   NewFileManager(),
		indexer: indexer.New(store, events),
		store:   store,
	}
}

// Key returns the project's registration key.
func (p *Project) Key() string { return p.key }

// Kind returns how this project is ingested.
func (p *Project) Kind() symbol.ProjectKind { return p.kind }

// Files returns the project's file manager.
func (p *Project) Files() *FileManager { return p.files }

// Indexer returns the project's indexer aggregator handle.
func (p *Project) Indexer() *indexer.Indexer { return p.indexer }

// SrcRoot returns the discovered source root, or "" if not yet known.
func (p *Project) SrcRoot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.srcRoot
}

// ResolvedSrcRoot returns the symlink-resolved source root.
func (p *Project) ResolvedSrcRoot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolvedSrcRoot
}

// Init sets the source root the first time it is discovered. Per I4, a
// non-empty srcRoot, once set, is never changed until Unload; a second
// call with a different value is ignored.
func (p *Project) Init(srcRoot, resolvedSrcRoot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srcRoot != "" {
		return
	}
	p.srcRoot = srcRoot
	p.resolvedSrcRoot = resolvedSrcRoot
	p.valid = srcRoot != ""
}

// IsValid reports whether a source root is known.
func (p *Project) IsValid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.valid
}

// IsIndexed reports whether fileID has a recorded compile command.
func (p *Project) IsIndexed(fileID symbol.PathID) bool {
	return p.files.IsIndexed(fileID)
}

// Unload releases indexer and file-manager resources and resets
// validity; the project entry itself remains in the registry.
func (p *Project) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexer.Close()
	p.files = NewFileManager()
	p.srcRoot = ""
	p.resolvedSrcRoot = ""
	p.valid = false
}

// persistedFile mirrors FileManager entries for serialization.
type persistedFile struct {
	ID   symbol.PathID
	Info symbol.SourceInfo
}

// Save writes a schema version followed by the file manager state. The
// indexer's own data lives in the shared KV stores and is not
// re-serialized here; Save only persists the project-level metadata the
// registry needs to restore a project's file-manager view (§4.3).
func (p *Project) Save(w io.Writer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], SchemaVersion)
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("project: write version: %w", err)
	}

	if err := writeString(bw, p.srcRoot); err != nil {
		return err
	}
	if err := writeString(bw, p.resolvedSrcRoot); err != nil {
		return err
	}

	p.files.mu.RLock()
	defer p.files.mu.RUnlock()
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(p.files.files)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for id, info := range p.files.files {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(id))
		if _, err := bw.Write(idBuf[:]); err != nil {
			return err
		}
		if err := writeString(bw, info.Path); err != nil {
			return err
		}
		if err := writeString(bw, info.Compiler); err != nil {
			return err
		}
		var argCount [4]byte
		binary.BigEndian.PutUint32(argCount[:], uint32(len(info.Args)))
		if _, err := bw.Write(argCount[:]); err != nil {
			return err
		}
		for _, a := range info.Args {
			if err := writeString(bw, a); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Restore reads a blob written by Save, returning false on schema
// mismatch (the project remains invalid, per §7's schema-mismatch rule).
func (p *Project) Restore(r io.Reader) (bool, error) {
	br := bufio.NewReader(r)

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("project: read version: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[:]) != SchemaVersion {
		return false, nil
	}

	srcRoot, err := readString(br)
	if err != nil {
		return false, err
	}
	resolvedSrcRoot, err := readString(br)
	if err != nil {
		return false, err
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return false, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	files := NewFileManager()
	for i := uint32(0); i < count; i++ {
		var idBuf [4]byte
		if _, err := io.ReadFull(br, idBuf[:]); err != nil {
			return false, err
		}
		id := symbol.PathID(binary.BigEndian.Uint32(idBuf[:]))

		path, err := readString(br)
		if err != nil {
			return false, err
		}
		compiler, err := readString(br)
		if err != nil {
			return false, err
		}
		var argCount [4]byte
		if _, err := io.ReadFull(br, argCount[:]); err != nil {
			return false, err
		}
		n := binary.BigEndian.Uint32(argCount[:])
		args := make([]string, n)
		for j := range args {
			a, err := readString(br)
			if err != nil {
				return false, err
			}
			args[j] = a
		}
		files.files[id] = symbol.SourceInfo{Path: path, Compiler: compiler, Args: args}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.srcRoot = srcRoot
	p.resolvedSrcRoot = resolvedSrcRoot
	p.valid = srcRoot != ""
	p.files = files
	return true, nil
}

func writeString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
