package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
)

// mappingCacheKey namespaces dedup cache entries in Redis.
func mappingCacheKey(clientWorkID string) string {
	return fmt.Sprintf("gardensync:cwid:%s", clientWorkID)
}

// StoreClientWorkIDMapping records which attestation a client-generated
// work id resolved to. Upsert: a re-submission that somehow completes twice
// keeps the latest attestation id. The Redis cache write is best-effort.
func (s *Store) StoreClientWorkIDMapping(ctx context.Context, m domain.ClientWorkIDMapping) error {
	if m.ClientWorkID == "" {
		return fmt.Errorf("store: client work id required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_work_id_mappings (client_work_id, attestation_id, job_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (client_work_id) DO UPDATE SET
			attestation_id = EXCLUDED.attestation_id,
			job_id         = EXCLUDED.job_id`,
		m.ClientWorkID, m.AttestationID, m.JobID)
	if err != nil {
		return fmt.Errorf("store: store mapping: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, mappingCacheKey(m.ClientWorkID),
			m.AttestationID, domain.MappingTTL).Err(); err != nil && s.logger != nil {
			s.logger.Warn("dedup cache write failed", "client_work_id", m.ClientWorkID, "err", err)
		}
	}
	return nil
}

// AttestationIDByClientWorkID resolves a client work id to its attestation
// id, consulting the Redis cache first. Returns "" when unknown.
func (s *Store) AttestationIDByClientWorkID(ctx context.Context, clientWorkID string) (string, error) {
	if s.cache != nil {
		v, err := s.cache.Get(ctx, mappingCacheKey(clientWorkID)).Result()
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) && s.logger != nil {
			s.logger.Warn("dedup cache read failed", "client_work_id", clientWorkID, "err", err)
		}
	}

	var attestationID string
	err := s.pool.QueryRow(ctx, `
		SELECT attestation_id FROM client_work_id_mappings
		WHERE client_work_id = $1`, clientWorkID).Scan(&attestationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup mapping: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, mappingCacheKey(clientWorkID), attestationID, domain.MappingTTL).Err()
	}
	return attestationID, nil
}

// IsClientWorkIDUploaded reports whether the client work id already
// completed, without a network round trip to the attestation service.
func (s *Store) IsClientWorkIDUploaded(ctx context.Context, clientWorkID string) (bool, error) {
	id, err := s.AttestationIDByClientWorkID(ctx, clientWorkID)
	return id != "", err
}

// AllUploadedClientWorkIDs lists every known client work id, oldest first.
func (s *Store) AllUploadedClientWorkIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_work_id FROM client_work_id_mappings
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list mappings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan mapping: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CleanupOldMappings reclaims entries past the retention window and returns
// how many were removed.
func (s *Store) CleanupOldMappings(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM client_work_id_mappings
		WHERE created_at < NOW() - ($1 * interval '1 millisecond')`,
		domain.MappingTTL.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup mappings: %w", err)
	}
	return tag.RowsAffected(), nil
}
