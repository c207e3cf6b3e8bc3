// cmd/gardenctl/drafts.go — gardenctl drafts subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/drafts"
)

func runDrafts(args []string) {
	fs := flag.NewFlagSet("drafts", flag.ExitOnError)
	user := fs.String("user", "", "user address (required)")
	chain := fs.Int64("chain", 42161, "chain id")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl drafts --user <address> [--chain id]")
		os.Exit(1)
	}

	ctx := context.Background()
	c, err := openConn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drafts: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ds := drafts.New(c.Pool, c.Media, nil)
	list, err := ds.ListDrafts(ctx, *user, *chain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drafts: %v\n", err)
		os.Exit(1)
	}

	for _, d := range list {
		garden := d.GardenAddress
		if garden == "" {
			garden = "-"
		}
		fmt.Printf("%s  garden=%s  step=%s  next=%s  updated=%s\n",
			d.ID, garden, d.CurrentStep, d.FirstIncompleteStep,
			d.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if len(list) == 0 {
		fmt.Println("no drafts")
	}
}
