// cmd/gardenctl/flush.go — gardenctl flush subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/attest"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/events"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/queue"
)

func runFlush(args []string) {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	user := fs.String("user", "", "user address (required)")
	attester := fs.String("attester", "", "attestation service URL (defaults to ATTESTER_URL)")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl flush --user <address> [--attester url]")
		os.Exit(1)
	}

	attesterURL := *attester
	if attesterURL == "" {
		attesterURL = os.Getenv("ATTESTER_URL")
	}
	if attesterURL == "" {
		attesterURL = "http://localhost:8080"
	}

	ctx := context.Background()
	c, err := openConn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	bus := events.NewBus(nil)
	bus.On(events.JobCompleted, func(ev events.Event) {
		fmt.Printf("completed %s tx=%v\n", ev.JobID, ev.Fields["txHash"])
	})
	bus.On(events.JobFailed, func(ev events.Event) {
		fmt.Printf("failed    %s: %s\n", ev.JobID, ev.Error)
	})

	q := queue.New(queue.Options{
		Store:     c.Store,
		Submitter: attest.NewClient(attesterURL, nil),
		Bus:       bus,
	})

	res, err := q.Flush(ctx, *user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("processed: %d\n", res.Processed)
	fmt.Printf("failed:    %d\n", res.Failed)
	fmt.Printf("skipped:   %d\n", res.Skipped)
}
