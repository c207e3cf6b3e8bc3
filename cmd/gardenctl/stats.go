// cmd/gardenctl/stats.go — gardenctl stats subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	user := fs.String("user", "", "user address (required)")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl stats --user <address>")
		os.Exit(1)
	}

	ctx := context.Background()
	c, err := openConn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	stats, err := c.Store.GetStats(ctx, *user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("total:   %d\n", stats.Total)
	fmt.Printf("pending: %d\n", stats.Pending)
	fmt.Printf("failed:  %d\n", stats.Failed)
	fmt.Printf("synced:  %d\n", stats.Synced)
}
