package store

import (
	"context"
	"fmt"
	"time"
)

// BacklogEntry is a synced job whose deletion previously failed and is
// awaiting the periodic retry sweep. The set is persisted so it survives a
// process restart.
type BacklogEntry struct {
	JobID       string
	UserAddress string
	RecordedAt  time.Time
}

// RecordFailedDelete adds a job to the recovery backlog. Idempotent.
func (s *Store) RecordFailedDelete(ctx context.Context, jobID, userAddress string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cleanup_backlog (job_id, user_address, recorded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO NOTHING`, jobID, userAddress)
	if err != nil {
		return fmt.Errorf("store: record failed delete: %w", err)
	}
	return nil
}

// CleanupBacklog lists pending recovery work, oldest first.
func (s *Store) CleanupBacklog(ctx context.Context) ([]BacklogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, user_address, recorded_at
		FROM cleanup_backlog
		ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query cleanup backlog: %w", err)
	}
	defer rows.Close()

	var entries []BacklogEntry
	for rows.Next() {
		var e BacklogEntry
		if err := rows.Scan(&e.JobID, &e.UserAddress, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scan backlog entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResolveFailedDelete removes a job from the backlog after its deletion
// finally succeeded.
func (s *Store) ResolveFailedDelete(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cleanup_backlog WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("store: resolve failed delete: %w", err)
	}
	return nil
}

// SweepStaleImages handles attachment rows older than StaleImageAge: their
// display handle is revoked unconditionally, but the row itself is deleted
// only when its owning job is gone or already synced — a pending job must
// never lose its binary payload just because a handle aged out.
func (s *Store) SweepStaleImages(ctx context.Context) (revoked, deleted int, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.display_url, i.job_id,
		       j.id IS NULL AS orphaned,
		       COALESCE(j.synced, FALSE) AS synced
		FROM job_images i
		LEFT JOIN jobs j ON j.id = i.job_id
		WHERE i.created_at < NOW() - ($1 * interval '1 millisecond')`,
		StaleImageAge.Milliseconds())
	if err != nil {
		return 0, 0, fmt.Errorf("store: query stale images: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id         string
		displayURL string
		jobID      string
		removable  bool
	}
	var found []stale
	for rows.Next() {
		var (
			st       stale
			orphaned bool
			synced   bool
		)
		if err := rows.Scan(&st.id, &st.displayURL, &st.jobID, &orphaned, &synced); err != nil {
			return 0, 0, fmt.Errorf("store: scan stale image: %w", err)
		}
		st.removable = orphaned || synced
		found = append(found, st)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	rows.Close()

	for _, st := range found {
		if st.displayURL != "" {
			s.media.Revoke(st.displayURL)
		}
		revoked++
		if !st.removable {
			continue
		}
		if _, err := s.pool.Exec(ctx, `DELETE FROM job_images WHERE id = $1`, st.id); err != nil {
			if s.logger != nil {
				s.logger.Warn("stale image delete failed", "image_id", st.id, "err", err)
			}
			continue
		}
		deleted++
	}
	return revoked, deleted, nil
}
