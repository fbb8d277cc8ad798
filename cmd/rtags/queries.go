package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carpecarp/rtags/pkg/dispatcher"
)

// Local aliases keep the command switch in main.go readable without a
// dispatcher. prefix on every case.
const (
	queryReloadProjects      = dispatcher.QueryReloadProjects
	queryClearProjects       = dispatcher.QueryClearProjects
	queryDeleteProject       = dispatcher.QueryDeleteProject
	queryUnloadProject       = dispatcher.QueryUnloadProject
	queryReindex             = dispatcher.QueryReindex
	queryIsIndexed           = dispatcher.QueryIsIndexed
	queryHasFileManager      = dispatcher.QueryHasFileManager
	queryFindFile            = dispatcher.QueryFindFile
	queryDumpFile            = dispatcher.QueryDumpFile
	queryShutdown            = dispatcher.QueryShutdown
	queryCursorInfo          = dispatcher.QueryCursorInfo
	queryFollowLocation      = dispatcher.QueryFollowLocation
	queryReferencesAtLocation = dispatcher.QueryReferencesAtLocation
)

// cmdSimpleQuery sends a query subtype that takes no arguments.
func cmdSimpleQuery(subtype dispatcher.QuerySubtype, args []string) error {
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: subtype})
}

// cmdPathQuery sends a query subtype whose sole argument is a file path.
func cmdPathQuery(subtype dispatcher.QuerySubtype, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: subtype, Path: args[0]})
}

func cmdListSymbols(args []string) error {
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: dispatcher.QueryListSymbols, Limit: limitFlag(args)})
}

func cmdFindSymbols(args []string) error {
	rest, query := splitLimitFlag(args)
	if len(rest) != 1 {
		return fmt.Errorf("usage: rtags find-symbols <query> [--limit N]")
	}
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: dispatcher.QueryFindSymbols, Query: rest[0], Limit: query})
}

func cmdReferencesByName(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rtags references <symbol-name>")
	}
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: dispatcher.QueryReferencesByName, Query: args[0]})
}

func cmdLocationQuery(subtype dispatcher.QuerySubtype, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rtags <command> <file>:<offset>")
	}
	path, offset, err := parseLocation(args[0])
	if err != nil {
		return err
	}
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()
	return cn.sendQuery(dispatcher.QueryMessage{Subtype: subtype, Path: path, Offset: offset})
}

// parseLocation splits "path:offset" as rtags' CLI location syntax.
func parseLocation(s string) (path string, offset uint32, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("expected <file>:<offset>, got %q", s)
	}
	n, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset in %q: %w", s, err)
	}
	return s[:idx], uint32(n), nil
}

// limitFlag extracts "--limit N" from args, returning 0 (the server's
// default) if absent.
func limitFlag(args []string) int {
	_, n := splitLimitFlag(args)
	return n
}

func splitLimitFlag(args []string) ([]string, int) {
	var rest []string
	limit := 0
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			limit, _ = strconv.Atoi(args[i+1])
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest, limit
}
