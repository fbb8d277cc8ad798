// Package registry implements the project registry and source-root
// discovery (component F): a map of projects, current-project selection
// by longest srcRoot prefix, and the ancestor-walk marker search used to
// discover a project's source root on first ingestion.
package registry

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/carpecarp/rtags/pkg/project"
)

// Registry holds every registered project and tracks the current one.
// It is called from the event loop and also from worker goroutines
// (ingestion jobs call NotifyIngested, query jobs select projects), so
// every method takes the mutex.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*project.Project
	order    []string // insertion order, for first-registered tiebreaks
	current  *project.Project
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{projects: make(map[string]*project.Project)}
}

// Add registers p under key. If no project is current, it becomes a
// candidate for current once it is successfully ingested (see
// NotifyIngested) — adding alone does not make it current.
func (r *Registry) Add(key string, p *project.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[key]; !exists {
		r.order = append(r.order, key)
	}
	r.projects[key] = p
}

// Remove deletes the project registered under key. If it was current,
// current becomes nil (per §3 Registry invariant).
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[key]
	if !ok {
		return
	}
	delete(r.projects, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.current == p {
		r.current = nil
	}
}

// Get returns the project registered under key.
func (r *Registry) Get(key string) (*project.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[key]
	return p, ok
}

// List returns all projects in insertion order.
func (r *Registry) List() []*project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*project.Project, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.projects[k])
	}
	return out
}

// Current returns the current project, or nil.
func (r *Registry) Current() *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// NotifyIngested is called after a project's first successful ingestion.
// If no project is current, p becomes current (§3: "when a project is
// added and current is null, current becomes that project on first
// successful ingestion").
func (r *Registry) NotifyIngested(p *project.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		r.current = p
	}
}

// Select implements I5: the current project becomes the registered
// project whose srcRoot (or resolvedSrcRoot) is the longest string
// prefix of path, ties broken by insertion order. If no project matches,
// current is left unchanged, and Select returns the (possibly nil,
// possibly unchanged) current project.
func (r *Registry) Select(path string) *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *project.Project
	bestLen := -1
	for _, key := range r.order {
		p := r.projects[key]
		for _, root := range []string{p.SrcRoot(), p.ResolvedSrcRoot()} {
			if root == "" {
				continue
			}
			if strings.HasPrefix(path, root) && len(root) > bestLen {
				best = p
				bestLen = len(root)
			}
		}
	}
	if best != nil {
		r.current = best
	}
	return r.current
}

// SelectByKeyOrRegex implements the "project" query's argument handling:
// treat query as a path first, then as a regular expression against
// registered keys. It reports ambiguous=true when more than one key
// matches the regex.
func (r *Registry) SelectByKeyOrRegex(query string) (p *project.Project, ambiguous bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if direct, ok := r.projects[query]; ok {
		r.current = direct
		return direct, false
	}

	re, err := compileRegex(query)
	if err != nil {
		return nil, false
	}
	var matches []*project.Project
	for _, key := range r.order {
		if re.MatchString(key) {
			matches = append(matches, r.projects[key])
		}
	}
	switch len(matches) {
	case 0:
		return nil, false
	case 1:
		r.current = matches[0]
		return matches[0], false
	default:
		return nil, true
	}
}

// markerPriority lists the glob-style markers in §4.4's priority order,
// interleaved with plain filename markers (checked as exact-name stats).
// The slice preserves priority order; each entry is either a literal
// name or a doublestar glob pattern (detected by the presence of '*').
var markerPriority = []string{
	"GTAGS",
	"configure",
	".git",
	"CMakeLists.txt",
	"*.pro",
	"scons.1",
	"*.scons",
	"SConstruct",
	"autogen.*",
	"Makefile*",
	"GNUMakefile*",
	"INSTALL*",
	"README*",
}

// DiscoverSrcRoot implements §4.4's source-root discovery: walk ancestor
// directories of firstFile from deepest to shallowest, testing markers in
// priority order at each ancestor, returning the first hit that is not
// the user's home directory. Falls back to scanning config.status for a
// "configure" token. Returns "" (no error) if discovery fails, per B1.
func DiscoverSrcRoot(firstFile string) (string, error) {
	home, _ := os.UserHomeDir()

	abs, err := filepath.Abs(firstFile)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(abs)
	var ancestors []string
	for {
		ancestors = append(ancestors, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	for _, anc := range ancestors {
		if anc == home {
			continue
		}
		if hit := findMarker(anc); hit {
			return anc, nil
		}
	}

	// Fallback: scan config.status in the deepest ancestor chain for a
	// "configure" token.
	for _, anc := range ancestors {
		statusPath := filepath.Join(anc, "config.status")
		if root, ok := scanConfigStatus(statusPath, home); ok {
			return root, nil
		}
	}

	return "", nil
}

func findMarker(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if n == "." || n == ".." {
			continue
		}
		names = append(names, n)
	}

	for _, marker := range markerPriority {
		if !strings.ContainsAny(marker, "*") {
			for _, n := range names {
				if n == marker {
					return true
				}
			}
			continue
		}
		for _, n := range names {
			if ok, _ := doublestar.Match(marker, n); ok {
				return true
			}
		}
	}
	return false
}

// scanConfigStatus reads up to the first 10 lines of path, looking for a
// "configure" token; the prefix of that line up to the token, resolved to
// a directory, is the root (if it is not home).
func scanConfigStatus(path, home string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; i < 10 && scanner.Scan(); i++ {
		line := scanner.Text()
		idx := strings.Index(line, "configure")
		if idx < 0 {
			continue
		}
		prefix := strings.TrimSpace(line[:idx])
		if prefix == "" {
			continue
		}
		root := filepath.Dir(prefix)
		if root == home {
			continue
		}
		return root, true
	}
	return "", false
}
