// Package projectsfile reads and writes the daemon's on-disk registry of
// known project registrations (the Makefile/GRTAGS/smart-project entries
// the CLI has asked rtagsd to track), so a restart can re-register them
// without the user replaying every "rtags project" invocation by hand.
//
// The teacher's config corpus has no INI/ini-section library anywhere
// in its dependency graph or in the rest of the example pack, so this
// format is encoding/json rather than the grouped "[Makefiles]" sections
// a hand-authored rtags config might use historically; see DESIGN.md.
package projectsfile

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// Entry is one remembered project registration, enough to replay the
// same registration the CLI originally sent.
type Entry struct {
	Kind         symbol.ProjectKind `json:"kind"`
	Path         string             `json:"path"`
	Args         []string           `json:"args,omitempty"`
	ExtraFlags   []string           `json:"extra_flags,omitempty"`
	UseDashB     bool               `json:"use_dash_b,omitempty"`
	NoMakeTricks bool               `json:"no_make_tricks,omitempty"`
	Automake     bool               `json:"automake,omitempty"`
}

// Load reads the projects file at path. A missing file is not an error;
// it yields an empty list so a fresh daemon simply has nothing to
// replay.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// Save writes entries to path atomically (temp file + rename), mirroring
// the persistence controller's write-then-swap pattern.
func Save(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
