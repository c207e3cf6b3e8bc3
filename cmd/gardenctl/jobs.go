// cmd/gardenctl/jobs.go — gardenctl jobs subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/store"
)

func runJobs(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	user := fs.String("user", "", "user address (required)")
	kind := fs.String("kind", "", "filter by kind: work or approval")
	pendingOnly := fs.Bool("pending", false, "only unsynced jobs")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl jobs --user <address> [--kind work|approval] [--pending]")
		os.Exit(1)
	}

	q := store.JobQuery{UserAddress: *user}
	if *kind != "" {
		k := domain.JobKind(*kind)
		q.Kind = &k
	}
	if *pendingOnly {
		f := false
		q.Synced = &f
	}

	ctx := context.Background()
	c, err := openConn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	jobs, err := c.Store.GetJobs(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		os.Exit(1)
	}

	for _, j := range jobs {
		state := "pending"
		switch {
		case j.Synced:
			state = "synced"
		case j.Exhausted():
			state = "failed"
		}
		fmt.Printf("%s  %-8s  %-7s  attempts=%d  created=%s\n",
			j.ID, j.Kind, state, j.Attempts, j.CreatedAt.Format("2006-01-02 15:04:05"))
		if j.LastError != "" {
			fmt.Printf("  last_error: %s\n", j.LastError)
		}
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
	}
}
