// Package ingest implements the Build ingester (component G): parsing a
// build tool's dry-run output into compile commands, and the smart
// project's recursive file discovery, both driving the same fileReady
// protocol described in §4.5.
package ingest

import (
	"bufio"
	"context"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"

	"github.com/carpecarp/rtags/pkg/symbol"
)

var ingestLog = log.New(os.Stderr, "[rtagsd:ingest] ", log.LstdFlags)

// Language identifies a translation unit's source language, or none for
// a file the frontend has no grammar for.
type Language uint8

const (
	LangNone Language = iota
	LangC
	LangCpp
)

// Handler receives the fileReady/done protocol shared by both ingesters.
type Handler interface {
	FileReady(cmd symbol.SourceInfo, lang Language)
	Done(err error)
}

// BuildIngester wraps an external build-tool invocation configured for a
// dry run (its command prints what it would execute without running it)
// and parses each emitted line into a compile command.
type BuildIngester struct {
	Makefile   string
	Args       []string
	UseDashB   bool
	NoMakeTricks bool
	Automake   bool
}

// Run executes the dry-run build and feeds each parsed compile command to
// h.FileReady, calling h.Done on completion or failure.
func (b *BuildIngester) Run(ctx context.Context, h Handler) {
	args := b.dryRunArgs()
	cmd := exec.CommandContext(ctx, "make", args...)
	cmd.Dir = filepath.Dir(b.Makefile)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ingestLog.Printf("dry run %s: %v", b.Makefile, err)
		h.Done(err)
		return
	}
	if err := cmd.Start(); err != nil {
		ingestLog.Printf("dry run %s: %v", b.Makefile, err)
		h.Done(err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		cmdInfo, lang, ok := parseCompileLine(scanner.Text())
		if !ok {
			continue
		}
		h.FileReady(cmdInfo, lang)
	}
	if err := scanner.Err(); err != nil {
		ingestLog.Printf("dry run %s: scan: %v", b.Makefile, err)
	}

	err = cmd.Wait()
	if err != nil {
		ingestLog.Printf("dry run %s: %v", b.Makefile, err)
	}
	h.Done(err)
}

// dryRunArgs builds the make invocation for a dry run: "-n" plus "-B"
// when UseDashB is set (forces a full rebuild trace instead of make's
// default short-circuiting on up-to-date targets).
func (b *BuildIngester) dryRunArgs() []string {
	args := []string{"-n"}
	if b.UseDashB {
		args = append(args, "-B")
	}
	if !b.NoMakeTricks {
		args = append(args, "--no-print-directory")
	}
	args = append(args, b.Args...)
	return args
}

var compilerNames = map[string]Language{
	"cc": LangC, "gcc": LangC, "clang": LangC,
	"c++": LangCpp, "g++": LangCpp, "clang++": LangCpp,
}

// parseCompileLine parses one line of dry-run output into a compile
// command: compiler path, arguments, and language, determined by the
// compiler binary name and the input file extension.
func parseCompileLine(line string) (symbol.SourceInfo, Language, bool) {
	fields := splitShellWords(strings.TrimSpace(line))
	if len(fields) == 0 {
		return symbol.SourceInfo{}, LangNone, false
	}

	compilerPath := fields[0]
	base := filepath.Base(compilerPath)
	lang, known := compilerNames[base]
	if !known {
		return symbol.SourceInfo{}, LangNone, false
	}

	var inputFile string
	for _, arg := range fields[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(arg))
		switch ext {
		case ".c":
			lang = LangC
			inputFile = arg
		case ".cc", ".cpp", ".cxx", ".c++":
			lang = LangCpp
			inputFile = arg
		}
	}
	if inputFile == "" {
		return symbol.SourceInfo{}, LangNone, false
	}

	return symbol.SourceInfo{
		Path:     inputFile,
		Compiler: compilerPath,
		Args:     fields[1:],
	}, lang, true
}

// splitShellWords is a minimal whitespace/quote-aware tokenizer for
// dry-run output lines; it is not a full shell parser (no $(...), no
// backslash escapes), matching what a build-tool's -n trace actually
// emits for a compile recipe.
func splitShellWords(line string) []string {
	var words []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

// SmartIngester substitutes the build tool with recursive file discovery
// per §4.5: it walks Root, applies Include/Exclude glob rules, and
// synthesizes one compile command per source file; files in the same
// directory share its -I list (the directory itself and each of its
// subdirectories that contains sources).
type SmartIngester struct {
	Root    string
	Include []string // defaults: *.c, *.cpp, *.cc, *.cxx, *.C
	Exclude []string
}

// DefaultIncludes is the smart project's default include set (§4.5).
var DefaultIncludes = []string{"*.c", "*.cpp", "*.cc", "*.cxx", "*.C"}

// Run discovers source files under Root and emits one synthesized
// compile command per source file, directory by directory; no single
// command covering a whole directory is emitted.
func (s *SmartIngester) Run(ctx context.Context, h Handler) {
	include := s.Include
	if len(include) == 0 {
		include = DefaultIncludes
	}

	files, err := s.discoverFiles()
	if err != nil {
		h.Done(err)
		return
	}

	byDir := make(map[string][]string)
	for _, f := range files {
		if !matchesAny(include, filepath.Base(f)) || matchesAny(s.Exclude, filepath.Base(f)) {
			continue
		}
		dir := filepath.Dir(f)
		byDir[dir] = append(byDir[dir], f)
	}

	sourceDirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		sourceDirs = append(sourceDirs, dir)
	}
	sort.Strings(sourceDirs)

	for _, dir := range sourceDirs {
		select {
		case <-ctx.Done():
			h.Done(ctx.Err())
			return
		default:
		}

		includeDirs := subdirsWithSources(dir, sourceDirs)
		args := make([]string, 0, len(includeDirs))
		for _, inc := range includeDirs {
			args = append(args, "-I"+inc)
		}

		for _, f := range byDir[dir] {
			lang := LangC
			if ext := strings.ToLower(filepath.Ext(f)); ext != ".c" {
				lang = LangCpp
			}
			h.FileReady(symbol.SourceInfo{Path: f, Compiler: "", Args: args}, lang)
		}
	}
	h.Done(nil)
}

// discoverFiles lists every regular file under Root with filepath.WalkDir.
// When Root is in a git work tree, files that go-git's status reports as
// untracked are skipped; ignored files are not in that status and are kept.
func (s *SmartIngester) discoverFiles() ([]string, error) {
	if files, ok, err := s.discoverViaGit(); ok {
		return files, err
	}
	var files []string
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func (s *SmartIngester) discoverViaGit() (files []string, ok bool, err error) {
	repo, err := git.PlainOpenWithOptions(s.Root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, false, nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, false, nil
	}
	status, err := wt.Status()
	if err != nil {
		return nil, false, nil
	}

	var result []string
	err = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(wt.Filesystem.Root(), path)
		if relErr != nil {
			return nil
		}
		if st, isTracked := status[rel]; isTracked && st.Worktree == git.Untracked {
			return nil
		}
		result = append(result, path)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// subdirsWithSources returns, sorted, every entry of sourceDirs that is
// dir itself or a descendant of dir, for use as include paths: dir plus
// every subdirectory of dir that itself contains sources.
func subdirsWithSources(dir string, sourceDirs []string) []string {
	var result []string
	prefix := dir + string(filepath.Separator)
	for _, d := range sourceDirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			result = append(result, d)
		}
	}
	sort.Strings(result)
	return result
}
