package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/codec"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
)

// JobQuery filters GetJobs. UserAddress is mandatory; kind and synced are
// optional refinements applied in memory so behavior does not depend on
// index capabilities of the underlying engine.
type JobQuery struct {
	UserAddress string
	Kind        *domain.JobKind
	Synced      *bool
}

// JobAttachment is a stored image reconstructed into a usable file plus a
// live display handle.
type JobAttachment struct {
	ID         string
	File       *domain.File
	DisplayURL string
	CreatedAt  time.Time
}

const jobColumns = `id, kind, payload, meta, chain_id, user_address,
	created_at, last_attempt_at, attempts, last_error, synced`

// AddJob persists a job and all of its attachments as one atomic unit.
//
// Attachment normalization and serialization complete strictly before the
// write transaction opens: the byte reads may block, and a malformed
// attachment at any position aborts the entire add rather than silently
// truncating the media list. On any failure after handle allocation, the
// handles are revoked and the original error is returned — no partial job
// is ever visible to readers.
func (s *Store) AddJob(ctx context.Context, job *domain.Job, attachments []*domain.File) error {
	if job.UserAddress == "" {
		return ErrUserAddressRequired
	}
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.Meta == nil {
		job.Meta = map[string]string{}
	}

	payload, err := marshalPayload(job)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}

	// Fail fast on malformed attachments before any byte reads.
	for i, f := range attachments {
		if f == nil || f.Name == "" {
			return fmt.Errorf("%w: attachment %d of %d", ErrInvalidAttachment, i, len(attachments))
		}
	}

	type pendingImage struct {
		id     string
		blob   []byte
		handle string
	}
	images := make([]pendingImage, 0, len(attachments))
	revoke := func() { s.media.CleanupURLs(job.ID) }

	for i, f := range attachments {
		sf, err := codec.Serialize(ctx, f)
		if err != nil {
			revoke()
			return fmt.Errorf("store: serialize attachment %d (%s, %d bytes): %w",
				i, f.Name, f.Size(), err)
		}
		blob, err := codec.Encode(sf)
		if err != nil {
			revoke()
			return err
		}
		images = append(images, pendingImage{
			id:     domain.NewJobID(),
			blob:   blob,
			handle: s.media.CreateURL(f, job.ID),
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		revoke()
		return fmt.Errorf("store: begin add job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs
			(id, kind, payload, meta, chain_id, user_address, created_at, attempts, synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, FALSE)`,
		job.ID, job.Kind, payload, meta, job.ChainID, job.UserAddress, job.CreatedAt)
	if err != nil {
		revoke()
		return fmt.Errorf("store: insert job: %w", err)
	}

	for _, img := range images {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_images (id, job_id, serialized, display_url, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			img.id, job.ID, img.blob, img.handle, s.now())
		if err != nil {
			revoke()
			return fmt.Errorf("store: insert job image: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		revoke()
		return fmt.Errorf("store: commit add job: %w", err)
	}
	return nil
}

// GetJobs returns the user's jobs, newest first.
func (s *Store) GetJobs(ctx context.Context, q JobQuery) ([]*domain.Job, error) {
	if q.UserAddress == "" {
		return nil, ErrUserAddressRequired
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE user_address = $1
		ORDER BY created_at DESC`, q.UserAddress)
	if err != nil {
		return nil, fmt.Errorf("store: query jobs: %w", err)
	}
	defer rows.Close()

	var result []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if q.Kind != nil && job.Kind != *q.Kind {
			continue
		}
		if q.Synced != nil && job.Synced != *q.Synced {
			continue
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// GetJob fetches one job by id. Returns ErrJobNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// UpdateJob replaces the mutable fields of an existing record.
func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	payload, err := marshalPayload(job)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			payload         = $2,
			meta            = $3,
			last_attempt_at = $4,
			attempts        = $5,
			last_error      = $6,
			synced          = $7
		WHERE id = $1`,
		job.ID, payload, meta, job.LastAttemptAt, job.Attempts, job.LastError, job.Synced)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkJobSynced flags terminal success, stashing the transaction hash into
// meta when provided. A synced job is slated for prompt deletion.
func (s *Store) MarkJobSynced(ctx context.Context, id, txHash string) error {
	extra := map[string]string{}
	if txHash != "" {
		extra[domain.MetaTxHash] = txHash
	}
	patch, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("store: marshal meta patch: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			synced = TRUE,
			meta   = meta || $2::jsonb
		WHERE id = $1`, id, patch)
	if err != nil {
		return fmt.Errorf("store: mark synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkJobFailed records one failed attempt: increments the counter exactly
// once and retains the error message for diagnostics.
func (s *Store) MarkJobFailed(ctx context.Context, id, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			attempts        = attempts + 1,
			last_error      = $2,
			last_attempt_at = NOW()
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetImagesForJob reconstructs every attachment owned by the job into a
// usable file plus a fresh-or-cached display handle.
func (s *Store) GetImagesForJob(ctx context.Context, jobID string) ([]JobAttachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, serialized, created_at
		FROM job_images
		WHERE job_id = $1
		ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: query job images: %w", err)
	}
	defer rows.Close()

	var result []JobAttachment
	for rows.Next() {
		var (
			id        string
			blob      []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan job image: %w", err)
		}
		file := codec.Decode(blob, id)
		result = append(result, JobAttachment{
			ID:         id,
			File:       file,
			DisplayURL: s.media.GetOrCreateURL(file, jobID),
			CreatedAt:  createdAt,
		})
	}
	return result, rows.Err()
}

// DeleteJob removes the job, all owned images, and their display handles.
// Idempotent: deleting an id that no longer exists is a no-op.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin delete job: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM job_images WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("store: delete job images: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit delete job: %w", err)
	}

	s.media.CleanupURLs(id)
	return nil
}

// PendingUsers lists the distinct users that currently have unsynced,
// non-exhausted jobs. The sync daemon uses it to decide whose queues to
// flush; per-job data still goes through the user-scoped accessors.
func (s *Store) PendingUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_address
		FROM jobs
		WHERE NOT synced AND attempts < $1
		ORDER BY user_address`, domain.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("store: query pending users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: scan pending user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetStats aggregates counts for exactly one user. Never computed across
// all users.
func (s *Store) GetStats(ctx context.Context, userAddress string) (domain.JobStats, error) {
	if userAddress == "" {
		return domain.JobStats{}, ErrUserAddressRequired
	}

	var stats domain.JobStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT synced AND attempts < $2),
			COUNT(*) FILTER (WHERE NOT synced AND attempts >= $2),
			COUNT(*) FILTER (WHERE synced)
		FROM jobs
		WHERE user_address = $1`, userAddress, domain.MaxRetries).
		Scan(&stats.Total, &stats.Pending, &stats.Failed, &stats.Synced)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("store: stats: %w", err)
	}
	return stats, nil
}

func marshalPayload(job *domain.Job) ([]byte, error) {
	switch job.Kind {
	case domain.KindWork:
		if job.Work == nil {
			return nil, fmt.Errorf("store: work job %s has no work payload", job.ID)
		}
		b, err := json.Marshal(job.Work)
		if err != nil {
			return nil, fmt.Errorf("store: marshal work payload: %w", err)
		}
		return b, nil
	case domain.KindApproval:
		if job.Approval == nil {
			return nil, fmt.Errorf("store: approval job %s has no approval payload", job.ID)
		}
		b, err := json.Marshal(job.Approval)
		if err != nil {
			return nil, fmt.Errorf("store: marshal approval payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("store: unknown job kind %q", job.Kind)
	}
}

// scanJob populates a Job from the columns listed in jobColumns. The column
// order must match exactly.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		kind    string
		payload []byte
		meta    []byte
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&payload,
		&meta,
		&job.ChainID,
		&job.UserAddress,
		&job.CreatedAt,
		&job.LastAttemptAt,
		&job.Attempts,
		&job.LastError,
		&job.Synced,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)

	switch job.Kind {
	case domain.KindWork:
		job.Work = &domain.WorkPayload{}
		if err := json.Unmarshal(payload, job.Work); err != nil {
			return nil, fmt.Errorf("store: unmarshal work payload for %s: %w", job.ID, err)
		}
	case domain.KindApproval:
		job.Approval = &domain.ApprovalPayload{}
		if err := json.Unmarshal(payload, job.Approval); err != nil {
			return nil, fmt.Errorf("store: unmarshal approval payload for %s: %w", job.ID, err)
		}
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return nil, fmt.Errorf("store: unmarshal meta for %s: %w", job.ID, err)
		}
	}
	if job.Meta == nil {
		job.Meta = map[string]string{}
	}
	return &job, nil
}
