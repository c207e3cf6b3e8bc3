// cmd/gardenctl/main.go — CLI root. Dispatches to subcommand handlers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl <enqueue|flush|jobs|drafts|stats> [options]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "flush":
		runFlush(os.Args[2:])
	case "jobs":
		runJobs(os.Args[2:])
	case "drafts":
		runDrafts(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Usage: gardenctl <enqueue|flush|jobs|drafts|stats> [options]")
		os.Exit(1)
	}
}
