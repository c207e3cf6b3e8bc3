// cmd/gardenctl/enqueue.go — gardenctl enqueue subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/notify"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	user := fs.String("user", "", "user address (required)")
	chain := fs.Int64("chain", 42161, "chain id")
	kind := fs.String("kind", "work", "job kind: work or approval")

	garden := fs.String("garden", "", "garden address (work)")
	action := fs.Int64("action", 0, "action uid (work)")
	title := fs.String("title", "", "work title")
	feedback := fs.String("feedback", "", "feedback text")
	plants := fs.String("plants", "", "comma-separated plant selection (work)")
	plantCount := fs.Int("plant-count", 0, "plant count (work)")
	var images stringList
	fs.Var(&images, "image", "image file path (repeatable, work)")

	workUID := fs.String("work-uid", "", "work attestation uid (approval)")
	approve := fs.Bool("approve", true, "approve or reject (approval)")
	_ = fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: gardenctl enqueue --user <address> [options]")
		os.Exit(1)
	}

	job := &domain.Job{
		ChainID:     *chain,
		UserAddress: *user,
		Meta:        map[string]string{domain.MetaClientWorkID: domain.NewJobID()},
	}

	var files []*domain.File
	switch domain.JobKind(*kind) {
	case domain.KindWork:
		if *garden == "" || *action == 0 {
			fmt.Fprintln(os.Stderr, "enqueue: work jobs need --garden and --action")
			os.Exit(1)
		}
		job.Kind = domain.KindWork
		job.Work = &domain.WorkPayload{
			GardenAddress: *garden,
			ActionUID:     *action,
			Title:         *title,
			Feedback:      *feedback,
			PlantCount:    *plantCount,
		}
		if *plants != "" {
			job.Work.PlantSelection = strings.Split(*plants, ",")
		}
		for _, path := range images {
			f, err := loadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
				os.Exit(1)
			}
			files = append(files, f)
		}
	case domain.KindApproval:
		if *workUID == "" {
			fmt.Fprintln(os.Stderr, "enqueue: approval jobs need --work-uid")
			os.Exit(1)
		}
		job.Kind = domain.KindApproval
		job.Approval = &domain.ApprovalPayload{
			WorkUID:  *workUID,
			Approved: *approve,
			Feedback: *feedback,
		}
	default:
		fmt.Fprintf(os.Stderr, "enqueue: unknown kind %q\n", *kind)
		os.Exit(1)
	}

	ctx := context.Background()
	c, err := openConn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Store.AddJob(ctx, job, files); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	notify.New(c.Redis, nil).Wake(ctx, *user)

	fmt.Printf("job_id:         %s\n", job.ID)
	fmt.Printf("kind:           %s\n", job.Kind)
	fmt.Printf("client_work_id: %s\n", job.ClientWorkID())
	fmt.Printf("images:         %d\n", len(files))
}

func loadFile(path string) (*domain.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return &domain.File{
		Name:         filepath.Base(path),
		MediaType:    mediaType,
		LastModified: info.ModTime().Truncate(time.Millisecond),
		Data:         data,
	}, nil
}
