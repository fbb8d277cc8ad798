// Package pathid implements the process-wide path interner (component B):
// a stable, monotonically increasing mapping from absolute canonicalized
// paths to small integer ids, persisted as a single blob and reloaded at
// startup.
package pathid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// SchemaVersion is stamped at the head of every persisted blob. A mismatch
// on restore means the map is rebuilt from scratch and any indices keyed
// by the old ids are discarded by the caller.
const SchemaVersion uint32 = 1

// Interner assigns stable ids to absolute paths. Safe for concurrent use;
// guarded by its own mutex and read-mostly after startup per the
// concurrency model.
type Interner struct {
	mu      sync.RWMutex
	byPath  map[string]symbol.PathID
	byID    map[symbol.PathID]string
	nextID  symbol.PathID
}

// New returns an empty interner, as on first run.
func New() *Interner {
	return &Interner{
		byPath: make(map[string]symbol.PathID),
		byID:   make(map[symbol.PathID]string),
		nextID: 1,
	}
}

// Intern returns the id for path, canonicalizing it first, assigning a new
// id if path has not been seen.
func (in *Interner) Intern(path string) symbol.PathID {
	clean := canonicalize(path)

	in.mu.RLock()
	if id, ok := in.byPath[clean]; ok {
		in.mu.RUnlock()
		return id
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.byPath[clean]; ok {
		return id
	}
	id := in.nextID
	in.nextID++
	in.byPath[clean] = id
	in.byID[id] = clean
	return id
}

// Lookup returns the id for path without assigning a new one.
func (in *Interner) Lookup(path string) (symbol.PathID, bool) {
	clean := canonicalize(path)
	in.mu.RLock()
	defer in.mu.RUnlock()
	id, ok := in.byPath[clean]
	return id, ok
}

// Path returns the path for id, if known.
func (in *Interner) Path(id symbol.PathID) (string, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	p, ok := in.byID[id]
	return p, ok
}

// Len returns the number of interned paths.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.byPath)
}

func canonicalize(path string) string {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
	}
	return filepath.Clean(path)
}

// Save serializes the interner as a single versioned blob: a 4-byte
// version header followed by one (id, path) record per entry. Satisfies
// R1 (save then restore round-trips to an identical map) together with
// Restore.
func (in *Interner) Save(w io.Writer) error {
	in.mu.RLock()
	defer in.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], SchemaVersion)
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("pathid: write version: %w", err)
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(in.byID)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return fmt.Errorf("pathid: write count: %w", err)
	}

	for id, path := range in.byID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(id))
		if _, err := bw.Write(idBuf[:]); err != nil {
			return fmt.Errorf("pathid: write id: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(path)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("pathid: write path length: %w", err)
		}
		if _, err := bw.WriteString(path); err != nil {
			return fmt.Errorf("pathid: write path: %w", err)
		}
	}
	return bw.Flush()
}

// Restore reads a blob written by Save. It returns false (with a nil
// error) on schema mismatch, per §7's "schema mismatch ⇒ ignored": the
// caller should then boot with a fresh, empty interner.
func Restore(r io.Reader) (*Interner, bool, error) {
	br := bufio.NewReader(r)

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pathid: read version: %w", err)
	}
	version := binary.BigEndian.Uint32(hdr[:])
	if version != SchemaVersion {
		return nil, false, nil
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, false, fmt.Errorf("pathid: read count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	in := New()
	var maxID symbol.PathID
	for i := uint32(0); i < count; i++ {
		var idBuf [4]byte
		if _, err := io.ReadFull(br, idBuf[:]); err != nil {
			return nil, false, fmt.Errorf("pathid: read id: %w", err)
		}
		id := symbol.PathID(binary.BigEndian.Uint32(idBuf[:]))

		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return nil, false, fmt.Errorf("pathid: read path length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, false, fmt.Errorf("pathid: read path: %w", err)
		}
		path := string(buf)

		in.byID[id] = path
		in.byPath[path] = id
		if id > maxID {
			maxID = id
		}
	}
	in.nextID = maxID + 1
	return in, true, nil
}
