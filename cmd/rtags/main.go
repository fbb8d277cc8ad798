// Package main provides the rtags CLI client: it dials the daemon's Unix
// socket, speaks the dispatcher's framing protocol, and prints the
// replies it streams back.
package main

import (
	"fmt"
	"os"

	"github.com/carpecarp/rtags/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if err := runCommand(cmd, args); err != nil {
		fatal("%v", err)
	}
}

func runCommand(cmd string, args []string) error {
	switch cmd {
	case "project":
		return cmdProject(args)
	case "project-select":
		return cmdProjectSelect(args)
	case "reload-projects":
		return cmdSimpleQuery(queryReloadProjects, args)
	case "clear-projects":
		return cmdSimpleQuery(queryClearProjects, args)
	case "delete-project":
		return cmdPathQuery(queryDeleteProject, args)
	case "unload-project":
		return cmdPathQuery(queryUnloadProject, args)
	case "reindex":
		return cmdPathQuery(queryReindex, args)
	case "status":
		return cmdStatus(args)
	case "is-indexed":
		return cmdPathQuery(queryIsIndexed, args)
	case "has-file-manager":
		return cmdPathQuery(queryHasFileManager, args)
	case "find-file":
		return cmdPathQuery(queryFindFile, args)
	case "dump-file":
		return cmdPathQuery(queryDumpFile, args)
	case "list-symbols":
		return cmdListSymbols(args)
	case "find-symbols":
		return cmdFindSymbols(args)
	case "references":
		return cmdReferencesByName(args)
	case "cursor-info":
		return cmdLocationQuery(queryCursorInfo, args)
	case "follow-location":
		return cmdLocationQuery(queryFollowLocation, args)
	case "references-at":
		return cmdLocationQuery(queryReferencesAtLocation, args)
	case "shutdown":
		return cmdSimpleQuery(queryShutdown, args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "version", "-v", "--version":
		fmt.Println(version.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	fmt.Printf(`rtags %s - C/C++ code navigation client

Usage:
  rtags <command> [arguments]

Project management:
  project <makefile-or-dir> [--grtags|--smart] [--dash-b] [--no-make-tricks] [--automake] [-- args...]
                          Register a Makefile/GRTAGS/smart project for indexing
  project-select [path-or-regex]
                          Select or list registered projects
  reload-projects         Report the number of registered projects (the projects file is not re-read)
  clear-projects          Forget every registered project
  delete-project <path>   Unload and forget a project
  unload-project <path>   Unload a project, keeping its registration
  reindex <path>          Re-run ingestion for a project

Queries:
  status                  Show daemon and store status
  is-indexed <file>       Report whether a file is indexed
  has-file-manager <file> Report whether a file's project is loaded
  find-file <file>        Show the recorded compile command for a file
  dump-file <file>        Alias for find-file
  list-symbols            List all known symbol names
  find-symbols <query>    Fuzzy-search symbol names
  references <name>       List every reference to a symbol name
  cursor-info <file>:<offset>      Show symbol info at a location
  follow-location <file>:<offset>  Jump to a symbol's definition
  references-at <file>:<offset>    List references to the symbol at a location

Other:
  shutdown                Ask the daemon to exit
  version                 Show version information

Environment:
  RTAGS_SOCKET  Daemon socket path (default: /tmp/rtagsd.sock)
`, version.Short())
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "rtags: "+format+"\n", args...)
	os.Exit(1)
}
