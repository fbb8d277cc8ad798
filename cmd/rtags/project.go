package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/carpecarp/rtags/pkg/dispatcher"
	"github.com/carpecarp/rtags/pkg/symbol"
)

var projectUsage = `usage: rtags project <path> [flags] [-- compiler-args...]

Flags:
  --grtags            Register path as a pre-built GRTAGS directory
  --smart             Register path as a smart (no-build-system) project
  --dash-b            Pass -B to make (force a full rebuild dry-run)
  --no-make-tricks    Disable make-output interception tricks
  --automake          Recorded with the project; the dry run does not act on it

With no --grtags/--smart flag, path is treated as a Makefile (or a
directory containing one) and ingested via a "make -n" dry run.
`

// cmdProject registers a project with the daemon; its kind comes from
// the --grtags/--smart flags alone, defaulting to a Makefile project.
func cmdProject(args []string) error {
	if len(args) == 0 {
		fmt.Print(projectUsage)
		return fmt.Errorf("missing path argument")
	}

	m := dispatcher.ProjectMessage{Kind: symbol.ProjectIndexer}
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--grtags":
			m.Kind = symbol.ProjectGRTags
		case "--smart":
			m.Kind = symbol.ProjectSmart
		case "--dash-b":
			m.UseDashB = true
		case "--no-make-tricks":
			m.NoMakeTricks = true
		case "--automake":
			m.Automake = true
		case "--":
			m.Args = append(m.Args, args[i+1:]...)
			i = len(args)
		case "--help", "-h":
			fmt.Print(projectUsage)
			return nil
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) != 1 {
		fmt.Print(projectUsage)
		return fmt.Errorf("expected exactly one path argument, got %d", len(rest))
	}

	path, err := filepath.Abs(rest[0])
	if err != nil {
		return err
	}
	if m.Kind == symbol.ProjectIndexer {
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			path = filepath.Join(path, "Makefile")
		}
	}
	m.Path = path

	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendProject(m)
}

func cmdProjectSelect(args []string) error {
	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: dispatcher.QueryProjectSelect, Query: query})
}
