package drafts

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/media"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/migrate"
)

func newTestStore(t *testing.T) (*Store, *media.Manager) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrate.Run(ctx, pool, nil))
	_, err = pool.Exec(ctx, `TRUNCATE drafts, draft_images`)
	require.NoError(t, err)

	mm := media.NewManager()
	t.Cleanup(func() { mm.CleanupAll() })
	return New(pool, mm, nil), mm
}

func newDraft(user string) *domain.WorkDraft {
	return &domain.WorkDraft{
		UserAddress: user,
		ChainID:     42161,
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndGetDraft(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, d))
	require.NotEmpty(t, d.ID)
	assert.Equal(t, domain.StepIntro, d.FirstIncompleteStep)

	got, err := s.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xalice", got.UserAddress)
	assert.Equal(t, domain.StepIntro, got.CurrentStep)
	assert.Nil(t, got.ActionUID)

	_, err = s.GetDraft(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestCreateDraftRequiresUser(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.CreateDraft(context.Background(), newDraft("")), ErrUserAddressRequired)
}

func TestUpdateDraftDerivesStep(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, d))

	// Garden and action chosen: next gap is media.
	got, err := s.UpdateDraft(ctx, d.ID, Patch{
		GardenAddress: ptr("0xgarden"),
		ActionUID:     ptr(int64(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepMedia, got.FirstIncompleteStep)

	// An image arrives: next gap is details.
	_, err = s.AddDraftImage(ctx, d.ID, &domain.File{
		Name: "bed.webp", MediaType: "image/webp", Data: []byte{1, 2},
	})
	require.NoError(t, err)
	got, err = s.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepDetails, got.FirstIncompleteStep)

	// Feedback filled: draft is reviewable.
	got, err = s.UpdateDraft(ctx, d.ID, Patch{Feedback: ptr("trimmed the hedge")})
	require.NoError(t, err)
	assert.Equal(t, domain.StepReview, got.FirstIncompleteStep)

	_, err = s.UpdateDraft(ctx, "00000000-0000-0000-0000-000000000000", Patch{})
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestListDraftsScopedAndOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, first))
	second := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, second))
	other := newDraft("0xbob")
	require.NoError(t, s.CreateDraft(ctx, other))

	// Touch the first draft so it becomes most recent.
	time.Sleep(10 * time.Millisecond)
	_, err := s.UpdateDraft(ctx, first.ID, Patch{Feedback: ptr("hello")})
	require.NoError(t, err)

	list, err := s.ListDrafts(ctx, "0xalice", 42161)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	_, err = s.ListDrafts(ctx, "", 42161)
	assert.ErrorIs(t, err, ErrUserAddressRequired)
}

func TestCreateDraftEvictsOverRetentionCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, domain.DraftRetentionLimit+2)
	for i := 0; i < domain.DraftRetentionLimit+2; i++ {
		d := newDraft("0xalice")
		require.NoError(t, s.CreateDraft(ctx, d))
		ids = append(ids, d.ID)
		// Distinct updated_at so LRU order is deterministic.
		_, err := s.pool.Exec(ctx, `
			UPDATE drafts SET updated_at = NOW() + ($2 * interval '1 second')
			WHERE id = $1`, d.ID, i)
		require.NoError(t, err)
	}

	list, err := s.ListDrafts(ctx, "0xalice", 42161)
	require.NoError(t, err)
	assert.Len(t, list, domain.DraftRetentionLimit)

	// The two oldest fell off; the newest survived.
	_, err = s.GetDraft(ctx, ids[0])
	assert.ErrorIs(t, err, ErrDraftNotFound)
	_, err = s.GetDraft(ctx, ids[1])
	assert.ErrorIs(t, err, ErrDraftNotFound)
	_, err = s.GetDraft(ctx, ids[len(ids)-1])
	assert.NoError(t, err)
}

func TestDeleteDraftIdempotent(t *testing.T) {
	s, mm := newTestStore(t)
	ctx := context.Background()

	d := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, d))
	_, err := s.UpdateDraft(ctx, d.ID, Patch{GardenAddress: ptr("0xg"), ActionUID: ptr(int64(1))})
	require.NoError(t, err)
	_, err = s.AddDraftImage(ctx, d.ID, &domain.File{Name: "x.webp", Data: []byte{9}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDraft(ctx, d.ID))
	require.NoError(t, s.DeleteDraft(ctx, d.ID), "second delete is a no-op")

	_, err = s.GetDraft(ctx, d.ID)
	assert.ErrorIs(t, err, ErrDraftNotFound)
	assert.Zero(t, mm.GetStats().Total)
}

func TestDraftImages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(ctx, d))

	var imageIDs []string
	for i := 0; i < 3; i++ {
		id, err := s.AddDraftImage(ctx, d.ID, &domain.File{
			Name:      fmt.Sprintf("photo-%d.webp", i),
			MediaType: "image/webp",
			Data:      []byte{byte(i)},
		})
		require.NoError(t, err)
		imageIDs = append(imageIDs, id)
	}

	images, files, err := s.ImagesForDraft(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, images, 3)
	require.Len(t, files, 3)
	assert.Equal(t, "photo-0.webp", files[0].Name)
	assert.NotEmpty(t, images[0].DisplayURL)

	require.NoError(t, s.DeleteDraftImage(ctx, d.ID, imageIDs[1]))
	require.NoError(t, s.DeleteDraftImage(ctx, d.ID, imageIDs[1]), "second delete is a no-op")

	images, _, err = s.ImagesForDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestAddDraftImageRejectsUnnamed(t *testing.T) {
	s, _ := newTestStore(t)
	d := newDraft("0xalice")
	require.NoError(t, s.CreateDraft(context.Background(), d))

	_, err := s.AddDraftImage(context.Background(), d.ID, &domain.File{})
	assert.Error(t, err)
	_, err = s.AddDraftImage(context.Background(), d.ID, nil)
	assert.Error(t, err)
}
