package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/carpecarp/rtags/pkg/dispatcher"
)

// cmdStatus renders the daemon's status reply as a table: the first
// line is the project count, the following indented lines are one per
// project ("key [state] srcRoot=..."), and a trailing summary line
// reports store counts when a KV store is attached.
func cmdStatus(args []string) error {
	cn, err := dial()
	if err != nil {
		return err
	}
	defer cn.close()

	if err := dispatcher.WriteQuery(cn.w, dispatcher.QueryMessage{Subtype: dispatcher.QueryStatus}); err != nil {
		return err
	}
	lines, err := cn.lines()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Println("no status reported")
		return nil
	}

	fmt.Println(lines[0])

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Project", "State", "Src Root"})
	for _, l := range lines[1:] {
		trimmed := strings.TrimSpace(l)
		if !strings.HasPrefix(trimmed, "symbols=") {
			table.Append(parseProjectLine(trimmed))
		} else {
			fmt.Println(trimmed)
		}
	}
	table.Render()
	return nil
}

// parseProjectLine splits one replyStatus project line of the form
// "<key> [<state>] srcRoot=<root>" into table columns.
func parseProjectLine(line string) []string {
	key, rest, ok := strings.Cut(line, " [")
	if !ok {
		return []string{line, "", ""}
	}
	state, rest, ok := strings.Cut(rest, "] srcRoot=")
	if !ok {
		return []string{key, "", ""}
	}
	return []string{key, state, rest}
}
