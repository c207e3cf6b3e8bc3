// Package queue orchestrates the lifecycle of offline-first on-chain
// submissions: enqueue, dispatch with retry backoff, terminal failure,
// post-success cleanup, and the recovery loop for deletions that failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/attest"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/events"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/quota"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/store"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/telemetry"
)

const (
	// CleanupInterval paces the failed-delete recovery loop.
	CleanupInterval = 5 * time.Minute

	// backlogAlertThreshold is the backlog size past which a storage alert
	// fires, once per breach.
	backlogAlertThreshold = 10

	// yieldEvery bounds how many jobs a flush processes before yielding the
	// scheduler, so a long queue cannot starve other goroutines.
	yieldEvery = 3
)

// Store is the persistence surface the queue depends on. *store.Store
// satisfies it.
type Store interface {
	AddJob(ctx context.Context, job *domain.Job, attachments []*domain.File) error
	GetJobs(ctx context.Context, q store.JobQuery) ([]*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	MarkJobSynced(ctx context.Context, id, txHash string) error
	MarkJobFailed(ctx context.Context, id, errorMessage string) error
	GetImagesForJob(ctx context.Context, jobID string) ([]store.JobAttachment, error)
	DeleteJob(ctx context.Context, id string) error
	GetStats(ctx context.Context, userAddress string) (domain.JobStats, error)
	StoreClientWorkIDMapping(ctx context.Context, m domain.ClientWorkIDMapping) error
	RecordFailedDelete(ctx context.Context, jobID, userAddress string) error
	CleanupBacklog(ctx context.Context) ([]store.BacklogEntry, error)
	ResolveFailedDelete(ctx context.Context, jobID string) error
}

// Submitter performs the actual on-chain submission.
type Submitter interface {
	SubmitWork(ctx context.Context, job *domain.Job, images []*domain.File) (attest.Result, error)
	SubmitApproval(ctx context.Context, job *domain.Job) (attest.Result, error)
}

// Estimator reports storage usage. Advisory only.
type Estimator interface {
	Estimate(ctx context.Context) (quota.Estimate, error)
}

// Waker pokes the sync daemon after an enqueue. Best-effort.
type Waker interface {
	Wake(ctx context.Context, userAddress string)
}

// Outcome classifies one processing pass over a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ProcessResult is the outcome of ProcessJob. Reason is set for skips and
// failures.
type ProcessResult struct {
	Outcome Outcome
	TxHash  string
	Reason  string
}

// FlushResult summarizes one full pass over a user's pending jobs.
type FlushResult struct {
	Processed int
	Failed    int
	Skipped   int
}

// Options wires the queue's collaborators. Store, Submitter, and Bus are
// required; the rest degrade gracefully when absent.
type Options struct {
	Store     Store
	Submitter Submitter
	Bus       *events.Bus
	Telemetry telemetry.Sink
	Quota     Estimator
	Waker     Waker
	HasSigner func(userAddress string) bool
	Logger    *slog.Logger
}

// Queue is the orchestrator. All dispatch within one user's flush is
// sequential; flushes for distinct users may run concurrently.
type Queue struct {
	store     Store
	submitter Submitter
	bus       *events.Bus
	telemetry telemetry.Sink
	quota     Estimator
	waker     Waker
	hasSigner func(string) bool
	logger    *slog.Logger
	now       func() time.Time

	online  atomic.Bool
	flights singleflight.Group

	alertMu sync.Mutex
	alerted bool
}

func New(opts Options) *Queue {
	q := &Queue{
		store:     opts.Store,
		submitter: opts.Submitter,
		bus:       opts.Bus,
		telemetry: opts.Telemetry,
		quota:     opts.Quota,
		waker:     opts.Waker,
		hasSigner: opts.HasSigner,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if q.telemetry == nil {
		q.telemetry = telemetry.NopSink{}
	}
	if q.hasSigner == nil {
		q.hasSigner = func(string) bool { return true }
	}
	q.online.Store(true)
	return q
}

// SetOnline flips connectivity state and announces the transition.
func (q *Queue) SetOnline(online bool) {
	if q.online.Swap(online) == online {
		return
	}
	q.bus.Emit(events.Event{
		Type:   events.NetworkChange,
		Fields: map[string]any{"online": online},
	})
}

func (q *Queue) Online() bool {
	return q.online.Load()
}

// AddJob persists a job with its attachments, announces it, and wakes the
// daemon. The storage estimate is advisory: a low or critical level is
// reported but never blocks the enqueue.
func (q *Queue) AddJob(ctx context.Context, job *domain.Job, attachments []*domain.File) error {
	if q.quota != nil {
		if est, err := q.quota.Estimate(ctx); err == nil && est.Level != quota.LevelOK {
			q.telemetry.Track("storage_pressure", map[string]any{
				"level":    string(est.Level),
				"fraction": est.Fraction,
				"user":     job.UserAddress,
			})
			if q.logger != nil {
				q.logger.Warn("storage pressure at enqueue",
					"level", est.Level, "used_bytes", est.UsedBytes, "budget_bytes", est.BudgetBytes)
			}
		}
	}

	if err := q.store.AddJob(ctx, job, attachments); err != nil {
		q.telemetry.TrackStorageError("add_job", err, map[string]any{"user": job.UserAddress})
		return err
	}

	q.bus.Emit(events.Event{
		Type:        events.JobAdded,
		JobID:       job.ID,
		UserAddress: job.UserAddress,
		Fields:      map[string]any{"kind": string(job.Kind)},
	})
	if q.waker != nil {
		q.waker.Wake(ctx, job.UserAddress)
	}
	return nil
}

// ProcessJob runs one dispatch attempt for the job. Skips never consume an
// attempt; only a real submission failure does.
func (q *Queue) ProcessJob(ctx context.Context, jobID string) (ProcessResult, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return ProcessResult{Outcome: OutcomeSkipped, Reason: "missing"}, nil
	}
	if err != nil {
		return ProcessResult{}, err
	}

	if job.Synced {
		return ProcessResult{Outcome: OutcomeCompleted, TxHash: job.Meta[domain.MetaTxHash]}, nil
	}
	if !q.Online() {
		return ProcessResult{Outcome: OutcomeSkipped, Reason: "offline"}, nil
	}
	if job.InBackoff(q.now()) {
		return ProcessResult{Outcome: OutcomeSkipped, Reason: "backoff"}, nil
	}
	if job.Exhausted() {
		q.telemetry.TrackSyncError("retries_exhausted",
			fmt.Errorf("job %s permanently failed after %d attempts: %s", job.ID, job.Attempts, job.LastError),
			map[string]any{"user": job.UserAddress, "kind": string(job.Kind)})
		return ProcessResult{Outcome: OutcomeFailed, Reason: "retries_exhausted"}, nil
	}
	if !q.hasSigner(job.UserAddress) {
		return ProcessResult{Outcome: OutcomeSkipped, Reason: "signer_unavailable"}, nil
	}

	q.bus.Emit(events.Event{
		Type:        events.JobProcessing,
		JobID:       job.ID,
		UserAddress: job.UserAddress,
	})

	res, err := q.dispatch(ctx, job)
	if err != nil {
		return q.fail(ctx, job, err)
	}
	if res.TimedOut {
		return q.fail(ctx, job, fmt.Errorf("submission timed out, check %s", res.ExplorerURL))
	}
	return q.complete(ctx, job, res.TxHash)
}

func (q *Queue) dispatch(ctx context.Context, job *domain.Job) (attest.Result, error) {
	switch job.Kind {
	case domain.KindWork:
		attachments, err := q.store.GetImagesForJob(ctx, job.ID)
		if err != nil {
			return attest.Result{}, fmt.Errorf("load attachments: %w", err)
		}
		files := make([]*domain.File, 0, len(attachments))
		for _, a := range attachments {
			files = append(files, a.File)
		}
		return q.submitter.SubmitWork(ctx, job, files)
	case domain.KindApproval:
		return q.submitter.SubmitApproval(ctx, job)
	default:
		return attest.Result{}, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (q *Queue) complete(ctx context.Context, job *domain.Job, txHash string) (ProcessResult, error) {
	if err := q.store.MarkJobSynced(ctx, job.ID, txHash); err != nil {
		return q.fail(ctx, job, fmt.Errorf("mark synced: %w", err))
	}

	if job.Kind == domain.KindWork {
		if cwid := job.ClientWorkID(); cwid != "" {
			if err := q.store.StoreClientWorkIDMapping(ctx, domain.ClientWorkIDMapping{
				ClientWorkID:  cwid,
				AttestationID: txHash,
				JobID:         job.ID,
			}); err != nil {
				// Dedup index is an optimization; the job itself succeeded.
				q.telemetry.TrackStorageError("store_mapping", err, map[string]any{"job_id": job.ID})
			}
		}
	}

	if err := q.store.DeleteJob(ctx, job.ID); err != nil {
		q.telemetry.TrackStorageError("delete_synced_job", err, map[string]any{"job_id": job.ID})
		if rerr := q.store.RecordFailedDelete(ctx, job.ID, job.UserAddress); rerr != nil && q.logger != nil {
			q.logger.Error("failed to record delete backlog entry", "job_id", job.ID, "err", rerr)
		}
	}

	q.bus.Emit(events.Event{
		Type:        events.JobCompleted,
		JobID:       job.ID,
		UserAddress: job.UserAddress,
		Fields:      map[string]any{"txHash": txHash},
	})
	return ProcessResult{Outcome: OutcomeCompleted, TxHash: txHash}, nil
}

func (q *Queue) fail(ctx context.Context, job *domain.Job, cause error) (ProcessResult, error) {
	if err := q.store.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil && q.logger != nil {
		q.logger.Error("failed to record attempt failure", "job_id", job.ID, "err", err)
	}
	q.telemetry.TrackSyncError("submit", cause, map[string]any{
		"job_id":  job.ID,
		"user":    job.UserAddress,
		"kind":    string(job.Kind),
		"attempt": job.Attempts + 1,
	})
	q.bus.Emit(events.Event{
		Type:        events.JobFailed,
		JobID:       job.ID,
		UserAddress: job.UserAddress,
		Error:       cause.Error(),
	})
	return ProcessResult{Outcome: OutcomeFailed, Reason: cause.Error()}, nil
}

// Flush processes every pending job for the user, oldest first. Concurrent
// flushes for the same user collapse into one pass sharing its result;
// distinct users proceed independently.
func (q *Queue) Flush(ctx context.Context, userAddress string) (FlushResult, error) {
	v, err, _ := q.flights.Do(userAddress, func() (any, error) {
		return q.flushOnce(ctx, userAddress)
	})
	if err != nil {
		return FlushResult{}, err
	}
	return v.(FlushResult), nil
}

func (q *Queue) flushOnce(ctx context.Context, userAddress string) (FlushResult, error) {
	pending := false
	jobs, err := q.store.GetJobs(ctx, store.JobQuery{UserAddress: userAddress, Synced: &pending})
	if err != nil {
		return FlushResult{}, err
	}

	// GetJobs returns newest first; submission order is oldest first.
	var result FlushResult
	for i := len(jobs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		res, err := q.ProcessJob(ctx, jobs[i].ID)
		if err != nil {
			return result, err
		}
		switch res.Outcome {
		case OutcomeCompleted:
			result.Processed++
		case OutcomeFailed:
			result.Failed++
		case OutcomeSkipped:
			result.Skipped++
		}

		if (len(jobs)-i)%yieldEvery == 0 {
			runtime.Gosched()
		}
	}

	q.bus.Emit(events.Event{
		Type:        events.SyncCompleted,
		UserAddress: userAddress,
		Fields: map[string]any{
			"processed": result.Processed,
			"failed":    result.Failed,
			"skipped":   result.Skipped,
		},
	})
	return result, nil
}

// RunCleanupLoop retries failed deletions until the context is cancelled.
// The sweep only touches the database when the backlog is non-empty, and a
// backlog past the alert threshold raises one storage alert per breach.
func (q *Queue) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepBacklog(ctx)
		}
	}
}

func (q *Queue) sweepBacklog(ctx context.Context) {
	entries, err := q.store.CleanupBacklog(ctx)
	if err != nil {
		q.telemetry.TrackStorageError("cleanup_backlog", err, nil)
		return
	}
	if len(entries) == 0 {
		q.alertMu.Lock()
		q.alerted = false
		q.alertMu.Unlock()
		return
	}

	q.alertMu.Lock()
	if len(entries) >= backlogAlertThreshold {
		if !q.alerted {
			q.alerted = true
			q.telemetry.TrackStorageError("cleanup_backlog_growth",
				fmt.Errorf("failed-delete backlog at %d entries", len(entries)),
				map[string]any{"size": len(entries)})
		}
	} else {
		q.alerted = false
	}
	q.alertMu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := q.store.DeleteJob(ctx, e.JobID); err != nil {
			if q.logger != nil {
				q.logger.Warn("backlog delete still failing", "job_id", e.JobID, "err", err)
			}
			continue
		}
		if err := q.store.ResolveFailedDelete(ctx, e.JobID); err != nil {
			q.telemetry.TrackStorageError("resolve_failed_delete", err, map[string]any{"job_id": e.JobID})
		}
	}
}

// Stats exposes per-user aggregate counts.
func (q *Queue) Stats(ctx context.Context, userAddress string) (domain.JobStats, error) {
	return q.store.GetStats(ctx, userAddress)
}
