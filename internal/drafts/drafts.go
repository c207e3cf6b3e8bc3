// Package drafts is the durable store for in-progress, not-yet-submitted
// work records. Drafts live independently of the job queue: a draft is
// promoted into a queued job only at explicit submission time. The same
// atomicity and ownership discipline as the job store applies.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/codec"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/media"
)

var (
	ErrUserAddressRequired = errors.New("drafts: user address required")
	ErrDraftNotFound       = errors.New("drafts: draft not found")
)

type Store struct {
	pool   *pgxpool.Pool
	media  *media.Manager
	logger *slog.Logger
	now    func() time.Time
}

func New(pool *pgxpool.Pool, mm *media.Manager, logger *slog.Logger) *Store {
	return &Store{pool: pool, media: mm, logger: logger, now: time.Now}
}

// Patch carries partial updates; nil fields are left unchanged. The
// first-incomplete-step field is deliberately absent — it is derived, never
// written by callers.
type Patch struct {
	GardenAddress  *string
	ActionUID      *int64
	Feedback       *string
	PlantSelection *[]string
	PlantCount     *int
	CurrentStep    *domain.DraftStep
}

const draftColumns = `id, user_address, chain_id, garden_address, action_uid,
	feedback, plant_selection, plant_count, current_step,
	first_incomplete_step, created_at, updated_at`

// CreateDraft inserts a new draft, evicting the least-recently-updated
// drafts beyond the per-user-per-chain retention cap inside the same
// transaction. Evicted drafts lose their images and display handles.
func (s *Store) CreateDraft(ctx context.Context, d *domain.WorkDraft) error {
	if d.UserAddress == "" {
		return ErrUserAddressRequired
	}
	if d.ID == "" {
		d.ID = domain.NewJobID()
	}
	now := s.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.CurrentStep == "" {
		d.CurrentStep = domain.StepIntro
	}
	d.FirstIncompleteStep = domain.DeriveStep(d, 0)

	selection, err := json.Marshal(orEmpty(d.PlantSelection))
	if err != nil {
		return fmt.Errorf("drafts: marshal plant selection: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("drafts: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	// LRU eviction down to limit-1 so the insert below lands within cap.
	evictRows, err := tx.Query(ctx, `
		SELECT id FROM drafts
		WHERE user_address = $1 AND chain_id = $2
		ORDER BY updated_at DESC
		OFFSET $3`, d.UserAddress, d.ChainID, domain.DraftRetentionLimit-1)
	if err != nil {
		return fmt.Errorf("drafts: query eviction candidates: %w", err)
	}
	var evicted []string
	for evictRows.Next() {
		var id string
		if err := evictRows.Scan(&id); err != nil {
			evictRows.Close()
			return fmt.Errorf("drafts: scan eviction candidate: %w", err)
		}
		evicted = append(evicted, id)
	}
	evictRows.Close()
	if err := evictRows.Err(); err != nil {
		return err
	}

	for _, id := range evicted {
		if _, err := tx.Exec(ctx, `DELETE FROM draft_images WHERE draft_id = $1`, id); err != nil {
			return fmt.Errorf("drafts: evict images: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, id); err != nil {
			return fmt.Errorf("drafts: evict draft: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO drafts
			(id, user_address, chain_id, garden_address, action_uid, feedback,
			 plant_selection, plant_count, current_step, first_incomplete_step,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		d.ID, d.UserAddress, d.ChainID, d.GardenAddress, d.ActionUID, d.Feedback,
		selection, d.PlantCount, d.CurrentStep, d.FirstIncompleteStep, now)
	if err != nil {
		return fmt.Errorf("drafts: insert draft: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("drafts: commit create: %w", err)
	}

	for _, id := range evicted {
		s.media.CleanupURLs(id)
		if s.logger != nil {
			s.logger.Info("evicted draft over retention cap",
				"draft_id", id, "user", d.UserAddress, "chain_id", d.ChainID)
		}
	}
	return nil
}

// UpdateDraft merges the patch into the stored draft and recomputes the
// first incomplete step from the merged state plus the current image count.
func (s *Store) UpdateDraft(ctx context.Context, id string, p Patch) (*domain.WorkDraft, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("drafts: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE id = $1
		FOR UPDATE`, id)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.GardenAddress != nil {
		d.GardenAddress = *p.GardenAddress
	}
	if p.ActionUID != nil {
		d.ActionUID = p.ActionUID
	}
	if p.Feedback != nil {
		d.Feedback = *p.Feedback
	}
	if p.PlantSelection != nil {
		d.PlantSelection = *p.PlantSelection
	}
	if p.PlantCount != nil {
		d.PlantCount = *p.PlantCount
	}
	if p.CurrentStep != nil {
		d.CurrentStep = *p.CurrentStep
	}

	var imageCount int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM draft_images WHERE draft_id = $1`, id).
		Scan(&imageCount); err != nil {
		return nil, fmt.Errorf("drafts: count images: %w", err)
	}

	d.FirstIncompleteStep = domain.DeriveStep(d, imageCount)
	d.UpdatedAt = s.now()

	selection, err := json.Marshal(orEmpty(d.PlantSelection))
	if err != nil {
		return nil, fmt.Errorf("drafts: marshal plant selection: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE drafts SET
			garden_address        = $2,
			action_uid            = $3,
			feedback              = $4,
			plant_selection       = $5,
			plant_count           = $6,
			current_step          = $7,
			first_incomplete_step = $8,
			updated_at            = $9
		WHERE id = $1`,
		d.ID, d.GardenAddress, d.ActionUID, d.Feedback, selection,
		d.PlantCount, d.CurrentStep, d.FirstIncompleteStep, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("drafts: update draft: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("drafts: commit update: %w", err)
	}
	return d, nil
}

// GetDraft fetches one draft by id.
func (s *Store) GetDraft(ctx context.Context, id string) (*domain.WorkDraft, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE id = $1`, id)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	return d, err
}

// ListDrafts returns a user's drafts on one chain, most recently updated
// first.
func (s *Store) ListDrafts(ctx context.Context, userAddress string, chainID int64) ([]*domain.WorkDraft, error) {
	if userAddress == "" {
		return nil, ErrUserAddressRequired
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE user_address = $1 AND chain_id = $2
		ORDER BY updated_at DESC`, userAddress, chainID)
	if err != nil {
		return nil, fmt.Errorf("drafts: query drafts: %w", err)
	}
	defer rows.Close()

	var result []*domain.WorkDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// DeleteDraft removes the draft, its images, and their display handles.
// Idempotent.
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("drafts: begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM draft_images WHERE draft_id = $1`, id); err != nil {
		return fmt.Errorf("drafts: delete images: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("drafts: delete draft: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("drafts: commit delete: %w", err)
	}

	s.media.CleanupURLs(id)
	return nil
}

// AddDraftImage serializes and stores one attachment for the draft, then
// recomputes the derived step. Serialization completes before the write
// transaction opens, same as the job store.
func (s *Store) AddDraftImage(ctx context.Context, draftID string, file *domain.File) (string, error) {
	if file == nil || file.Name == "" {
		return "", fmt.Errorf("drafts: invalid attachment")
	}

	sf, err := codec.Serialize(ctx, file)
	if err != nil {
		return "", err
	}
	blob, err := codec.Encode(sf)
	if err != nil {
		return "", err
	}
	handle := s.media.CreateURL(file, draftID)

	imageID := domain.NewJobID()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.media.Revoke(handle)
		return "", fmt.Errorf("drafts: begin add image: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO draft_images (id, draft_id, serialized, display_url, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		imageID, draftID, blob, handle, s.now())
	if err != nil {
		s.media.Revoke(handle)
		return "", fmt.Errorf("drafts: insert image: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		s.media.Revoke(handle)
		return "", fmt.Errorf("drafts: commit add image: %w", err)
	}

	if _, err := s.UpdateDraft(ctx, draftID, Patch{}); err != nil && !errors.Is(err, ErrDraftNotFound) {
		return imageID, err
	}
	return imageID, nil
}

// ImagesForDraft reconstructs the draft's attachments with display handles.
func (s *Store) ImagesForDraft(ctx context.Context, draftID string) ([]*domain.DraftImage, []*domain.File, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, serialized, created_at
		FROM draft_images
		WHERE draft_id = $1
		ORDER BY created_at ASC`, draftID)
	if err != nil {
		return nil, nil, fmt.Errorf("drafts: query images: %w", err)
	}
	defer rows.Close()

	var (
		images []*domain.DraftImage
		files  []*domain.File
	)
	for rows.Next() {
		var img domain.DraftImage
		if err := rows.Scan(&img.ID, &img.Serialized, &img.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("drafts: scan image: %w", err)
		}
		img.DraftID = draftID
		file := codec.Decode(img.Serialized, img.ID)
		img.DisplayURL = s.media.GetOrCreateURL(file, draftID)
		images = append(images, &img)
		files = append(files, file)
	}
	return images, files, rows.Err()
}

// DeleteDraftImage removes one attachment and refreshes the derived step.
func (s *Store) DeleteDraftImage(ctx context.Context, draftID, imageID string) error {
	var displayURL string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM draft_images
		WHERE id = $1 AND draft_id = $2
		RETURNING display_url`, imageID, draftID).Scan(&displayURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("drafts: delete image: %w", err)
	}
	if displayURL != "" {
		s.media.Revoke(displayURL)
	}

	_, err = s.UpdateDraft(ctx, draftID, Patch{})
	if errors.Is(err, ErrDraftNotFound) {
		return nil
	}
	return err
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func scanDraft(row pgx.Row) (*domain.WorkDraft, error) {
	var (
		d         domain.WorkDraft
		selection []byte
		current   string
		first     string
	)
	err := row.Scan(
		&d.ID,
		&d.UserAddress,
		&d.ChainID,
		&d.GardenAddress,
		&d.ActionUID,
		&d.Feedback,
		&selection,
		&d.PlantCount,
		&current,
		&first,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.CurrentStep = domain.DraftStep(current)
	d.FirstIncompleteStep = domain.DraftStep(first)
	if len(selection) > 0 {
		if err := json.Unmarshal(selection, &d.PlantSelection); err != nil {
			return nil, fmt.Errorf("drafts: unmarshal plant selection for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}
