// Package main is the rtagsd daemon entrypoint: it loads configuration,
// opens the backing stores, wires the registry/pool/watcher/persistence
// controller together, and serves the dispatcher's Unix socket until a
// shutdown query or signal arrives.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/carpecarp/rtags/internal/version"
	"github.com/carpecarp/rtags/pkg/config"
	"github.com/carpecarp/rtags/pkg/dispatcher"
	"github.com/carpecarp/rtags/pkg/frontend"
	"github.com/carpecarp/rtags/pkg/frontend/dlopen"
	"github.com/carpecarp/rtags/pkg/frontend/treesitter"
	"github.com/carpecarp/rtags/pkg/jobs"
	"github.com/carpecarp/rtags/pkg/kvstore"
	"github.com/carpecarp/rtags/pkg/pathid"
	"github.com/carpecarp/rtags/pkg/persist"
	"github.com/carpecarp/rtags/pkg/project"
	"github.com/carpecarp/rtags/pkg/registry"
	"github.com/carpecarp/rtags/pkg/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	socketFlag := flag.String("socket", "", "override the Unix socket path")
	dataDirFlag := flag.String("data-dir", "", "override the data directory")
	jobsFlag := flag.Int("j", 0, "worker thread count (0 = host CPU count)")
	frontendLib := flag.String("frontend", "", "path to an external TranslationUnitProvider shared library")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("%v", err)
	}
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *jobsFlag != 0 {
		cfg.ThreadCount = *jobsFlag
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.SocketPath = expandHome(cfg.SocketPath)

	// ClearProjects removes the entire data directory at startup, wiping
	// every store, search index, and interner blob (and the projects
	// file too when it lives inside DataDir), rather than leaving a prior
	// run's state to be reopened or replayed.
	if cfg.ClearProjects {
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			fatal("clear data directory %s: %v", cfg.DataDir, err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("create data directory %s: %v", cfg.DataDir, err)
	}

	store, err := kvstore.Open(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		fatal("open symbol store: %v", err)
	}
	defer store.Close()

	search, err := kvstore.OpenSearchIndex(filepath.Join(cfg.DataDir, "search.bleve"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtagsd: search index unavailable, find-symbols disabled: %v\n", err)
	} else {
		defer search.Close()
	}

	var provider frontend.TranslationUnitProvider = treesitter.New()
	if *frontendLib != "" {
		ext, openErr := dlopen.Open(*frontendLib)
		if openErr != nil {
			fatal("load frontend %s: %v", *frontendLib, openErr)
		}
		provider = ext
	}
	defer provider.Close()

	interner := persist.LoadPaths(cfg.DataDir)
	reg := registry.New()
	pool := jobs.New(cfg.ThreadCount)
	defer pool.Shutdown()

	w, err := watcher.New(watcher.DefaultDebounceDelay)
	if err != nil {
		fatal("start watcher: %v", err)
	}

	saver := &daemonSaver{registry: reg, interner: interner}
	pc := persist.New(cfg.DataDir, saver)

	d := dispatcher.New(cfg.SocketPath, cfg.DataDir, reg, pool, interner, w, pc,
		&dispatcher.Stores{KV: store, Search: search}, provider)
	// ClearProjects starts the daemon with no remembered registrations
	// and no projects-file writes for the lifetime of this run, rather
	// than replaying and re-persisting whatever an earlier run left.
	if !cfg.ClearProjects {
		d.SetProjectsFile(cfg.ProjectsFile)
	}

	w.AddHandler(d)
	w.Start()
	defer w.Stop()

	if err := d.Listen(); err != nil {
		fatal("%v", err)
	}
	d.ReplayProjectsFile()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "rtagsd: shutting down")
		d.Shutdown()
	}()

	fmt.Printf("rtagsd %s listening on %s (data dir %s)\n", version.Short(), cfg.SocketPath, cfg.DataDir)
	d.Serve()

	if err := pc.SaveAll(); err != nil {
		fmt.Fprintf(os.Stderr, "rtagsd: final save failed: %v\n", err)
	}
}

// daemonSaver adapts the registry and interner to persist.Saver.
type daemonSaver struct {
	registry *registry.Registry
	interner *pathid.Interner
}

func (s *daemonSaver) Projects() []*project.Project          { return s.registry.List() }
func (s *daemonSaver) ProjectPath(p *project.Project) string { return p.Key() }
func (s *daemonSaver) Interner() *pathid.Interner            { return s.interner }

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	u, err := user.Current()
	if err != nil {
		return path
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(path, "~"))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "rtagsd: "+format+"\n", args...)
	os.Exit(1)
}
