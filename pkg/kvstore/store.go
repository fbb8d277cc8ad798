// Package kvstore is the typed KV store adapter (component A): atomic
// batched reads/writes over an ordered byte-keyed store, backed by
// go.etcd.io/bbolt exactly as the teacher's pkg/store/store.go and
// pkg/store/code.go open and bucket their bolt databases.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// SchemaVersion is stamped into the meta bucket of every store opened by
// this package. A mismatch empties the store rather than serving stale
// data, per spec §3/§7 ("schema mismatch ⇒ ignored").
const SchemaVersion uint64 = 1

var storeLog = log.New(os.Stderr, "[rtagsd:kvstore] ", log.LstdFlags)

// ErrNotFound is returned by Get-style lookups that find no value.
var ErrNotFound = errors.New("kvstore: not found")

const (
	bucketSymbolNames    = "symbol_names"
	bucketSymbols        = "symbols"
	bucketReferences     = "references"
	bucketDependencies   = "dependencies"
	bucketPchDeps        = "pch_dependencies"
	bucketFileInfo       = "file_information"
	bucketMeta           = "meta"
	metaKeySchemaVersion = "schema_version"
)

var allBuckets = []string{
	bucketSymbolNames, bucketSymbols, bucketReferences,
	bucketDependencies, bucketPchDeps, bucketFileInfo, bucketMeta,
}

// Store is the daemon's set of the five logical KV stores, shared by all
// projects (plus the pch-dependencies blob and a meta bucket), all
// multiplexed over a single
// bbolt database file, mirroring the teacher's one-bolt.DB-per-domain
// bucketing in pkg/store/code.go.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the bolt database at path, ensures all buckets
// exist, and checks the schema version — resetting the store's buckets if
// it does not match SchemaVersion.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: mkdir %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.ensureBucketsAndSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucketsAndSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("kvstore: create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		raw := meta.Get([]byte(metaKeySchemaVersion))
		if raw == nil {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], SchemaVersion)
			return meta.Put([]byte(metaKeySchemaVersion), buf[:])
		}

		version := binary.BigEndian.Uint64(raw)
		if version != SchemaVersion {
			storeLog.Printf("schema mismatch in %s (have %d, want %d): discarding store", s.path, version, SchemaVersion)
			for _, name := range allBuckets {
				if name == bucketMeta {
					continue
				}
				if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
					return err
				}
				if _, err := tx.CreateBucket([]byte(name)); err != nil {
					return err
				}
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], SchemaVersion)
			return meta.Put([]byte(metaKeySchemaVersion), buf[:])
		}
		return nil
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func locationKey(loc symbol.Location) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(loc.Path))
	binary.BigEndian.PutUint32(buf[4:8], loc.Offset)
	return buf[:]
}

func pathIDKey(id symbol.PathID) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id))
	return buf[:]
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("kvstore: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("kvstore: decode: %w", err)
	}
	return nil
}

// --- symbol-names: name -> set of locations, union-merged ---

// UnionSymbolNames merges each staged name->locations set into the store,
// writing a key back only if its set grew, as a single atomic batch per
// the writer loop's step 1.
func (s *Store) UnionSymbolNames(staged map[string]map[symbol.Location]struct{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSymbolNames))
		for name, locs := range staged {
			key := []byte(name)
			current := make(map[symbol.Location]struct{})
			if raw := b.Get(key); raw != nil {
				if err := decodeGob(raw, &current); err != nil {
					return err
				}
			}
			before := len(current)
			for loc := range locs {
				current[loc] = struct{}{}
			}
			if len(current) == before {
				continue
			}
			enc, err := encodeGob(current)
			if err != nil {
				return err
			}
			if err := b.Put(key, enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSymbolNames returns the location set for name.
func (s *Store) GetSymbolNames(name string) (map[symbol.Location]struct{}, error) {
	var result map[symbol.Location]struct{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSymbolNames))
		raw := b.Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		result = make(map[symbol.Location]struct{})
		return decodeGob(raw, &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- symbols: location -> cursor info, merged via Unite ---

// UniteSymbols applies CursorInfo.Unite against each staged location,
// writing back only keys that changed, per the writer loop's step 3.
func (s *Store) UniteSymbols(staged map[symbol.Location]*symbol.CursorInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSymbols))
		for loc, incoming := range staged {
			key := locationKey(loc)
			current := symbol.NewCursorInfo()
			existed := false
			if raw := b.Get(key); raw != nil {
				existed = true
				var stored gobCursorInfo
				if err := decodeGob(raw, &stored); err != nil {
					return err
				}
				current = stored.toCursorInfo()
			}
			changed := current.Unite(incoming)
			if !existed || changed {
				enc, err := encodeGob(fromCursorInfo(current))
				if err != nil {
					return err
				}
				if err := b.Put(key, enc); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetSymbol returns the cursor info stored at loc.
func (s *Store) GetSymbol(loc symbol.Location) (*symbol.CursorInfo, error) {
	var result *symbol.CursorInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSymbols))
		raw := b.Get(locationKey(loc))
		if raw == nil {
			return ErrNotFound
		}
		var stored gobCursorInfo
		if err := decodeGob(raw, &stored); err != nil {
			return err
		}
		result = stored.toCursorInfo()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// gobCursorInfo is the on-disk shape of symbol.CursorInfo: gob cannot
// encode a map keyed by a struct containing no exported methods it needs,
// but more importantly we want references stored as a slice for a stable
// encoding independent of map iteration order.
type gobCursorInfo struct {
	Kind       symbol.Kind
	Target     symbol.Location
	References []symbol.Location
	USR        string
	Symbol     string
}

func fromCursorInfo(c *symbol.CursorInfo) gobCursorInfo {
	g := gobCursorInfo{Kind: c.Kind, Target: c.Target, USR: c.USR, Symbol: c.Symbol}
	for loc := range c.References {
		g.References = append(g.References, loc)
	}
	return g
}

func (g gobCursorInfo) toCursorInfo() *symbol.CursorInfo {
	c := symbol.NewCursorInfo()
	c.Kind = g.Kind
	c.Target = g.Target
	c.USR = g.USR
	c.Symbol = g.Symbol
	for _, loc := range g.References {
		c.References[loc] = struct{}{}
	}
	return c
}

// --- dependencies: file-id -> set of file-ids, union-merged ---

// UnionDependencies merges staged per-file dependency sets, write-if-grew.
func (s *Store) UnionDependencies(staged map[symbol.PathID]map[symbol.PathID]struct{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDependencies))
		for id, deps := range staged {
			key := pathIDKey(id)
			current := make(map[symbol.PathID]struct{})
			if raw := b.Get(key); raw != nil {
				if err := decodeGob(raw, &current); err != nil {
					return err
				}
			}
			before := len(current)
			for d := range deps {
				current[d] = struct{}{}
			}
			if len(current) == before {
				continue
			}
			enc, err := encodeGob(current)
			if err != nil {
				return err
			}
			if err := b.Put(key, enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDependencies returns the dependency set for id.
func (s *Store) GetDependencies(id symbol.PathID) (map[symbol.PathID]struct{}, error) {
	var result map[symbol.PathID]struct{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDependencies))
		raw := b.Get(pathIDKey(id))
		if raw == nil {
			return ErrNotFound
		}
		result = make(map[symbol.PathID]struct{})
		return decodeGob(raw, &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- pch-dependencies: single-key blob, replaced wholesale ---

// PutPchDependencies replaces the single pch-dependencies blob.
func (s *Store) PutPchDependencies(deps map[symbol.PathID]struct{}) error {
	enc, err := encodeGob(deps)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPchDeps))
		return b.Put([]byte("pch"), enc)
	})
}

// GetPchDependencies returns the current pch-dependencies blob.
func (s *Store) GetPchDependencies() (map[symbol.PathID]struct{}, error) {
	var result map[symbol.PathID]struct{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPchDeps))
		raw := b.Get([]byte("pch"))
		if raw == nil {
			return ErrNotFound
		}
		result = make(map[symbol.PathID]struct{})
		return decodeGob(raw, &result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- file-information: file-id -> (args, last-touched), overwrite ---

// PutFileInformation overwrites the file-information record for each
// staged file id, per the writer loop's step 6.
func (s *Store) PutFileInformation(staged map[symbol.PathID]*symbol.FileInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFileInfo))
		for id, info := range staged {
			enc, err := encodeGob(info)
			if err != nil {
				return err
			}
			if err := b.Put(pathIDKey(id), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFileInformation returns the stored file info for id.
func (s *Store) GetFileInformation(id symbol.PathID) (*symbol.FileInfo, error) {
	var result symbol.FileInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFileInfo))
		raw := b.Get(pathIDKey(id))
		if raw == nil {
			return ErrNotFound
		}
		return decodeGob(raw, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats reports counts of the leading buckets, used by the status query.
type Stats struct {
	SymbolNames  int
	Symbols      int
	Dependencies int
	Files        int
}

// Stats counts entries in each bucket via a single read transaction.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.SymbolNames = tx.Bucket([]byte(bucketSymbolNames)).Stats().KeyN
		stats.Symbols = tx.Bucket([]byte(bucketSymbols)).Stats().KeyN
		stats.Dependencies = tx.Bucket([]byte(bucketDependencies)).Stats().KeyN
		stats.Files = tx.Bucket([]byte(bucketFileInfo)).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
