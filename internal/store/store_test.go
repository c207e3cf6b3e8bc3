package store

import (
	"context"
	"errors"
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

// newTestStore connects to TEST_DATABASE_URL, applies migrations, and
// truncates queue tables so each test starts clean. Skipped when the
// variable is unset.
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
	_, err = pool.Exec(ctx, `TRUNCATE jobs, job_images, client_work_id_mappings, cleanup_backlog`)
	require.NoError(t, err)

	mm := media.NewManager()
	t.Cleanup(func() { mm.CleanupAll() })
	return New(pool, mm, nil, nil), mm
}

func testFile(name string, data []byte) *domain.File {
	return &domain.File{
		Name:         name,
		MediaType:    "image/webp",
		LastModified: time.Now().Truncate(time.Millisecond),
		Data:         data,
	}
}

func newWorkJob(user string) *domain.Job {
	return &domain.Job{
		Kind:        domain.KindWork,
		ChainID:     42161,
		UserAddress: user,
		Work: &domain.WorkPayload{
			GardenAddress:  "0xgarden",
			ActionUID:      5,
			Feedback:       "pruned the apple trees",
			PlantSelection: []string{"apple"},
			PlantCount:     4,
		},
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }
func (failingReader) Close() error             { return nil }

func TestAddJobRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, job, []*domain.File{
		testFile("a.webp", []byte{1, 2, 3}),
		testFile("b.webp", []byte{4, 5}),
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.UserAddress, got.UserAddress)
	assert.Equal(t, job.Work.Feedback, got.Work.Feedback)
	assert.Zero(t, got.Attempts)
	assert.False(t, got.Synced)

	images, err := s.GetImagesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a.webp", images[0].File.Name)
	assert.Equal(t, []byte{1, 2, 3}, images[0].File.Data)
	assert.NotEmpty(t, images[0].DisplayURL)
}

func TestAddJobAtomicOnBadAttachment(t *testing.T) {
	s, mm := newTestStore(t)
	ctx := context.Background()

	job := newWorkJob("0xalice")
	err := s.AddJob(ctx, job, []*domain.File{
		testFile("good.webp", []byte{1}),
		{Name: "bad.webp", MediaType: "image/webp", Source: failingReader{}},
	})
	require.Error(t, err)

	// No partial rows and no leaked handles.
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	var imageCount int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_images WHERE job_id = $1`, job.ID).Scan(&imageCount))
	assert.Zero(t, imageCount)
	assert.Zero(t, mm.GetStats().Total)
}

func TestAddJobRejectsUnnamedAttachmentBeforeReads(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.AddJob(context.Background(), newWorkJob("0xalice"), []*domain.File{
		testFile("ok.webp", []byte{1}),
		{MediaType: "image/webp"},
	})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
}

func TestAddJobRequiresUser(t *testing.T) {
	s, _ := newTestStore(t)
	job := newWorkJob("")
	assert.ErrorIs(t, s.AddJob(context.Background(), job, nil), ErrUserAddressRequired)
}

func TestGetJobsScopedToUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mine := newWorkJob("0xalice")
	theirs := newWorkJob("0xbob")
	require.NoError(t, s.AddJob(ctx, mine, nil))
	require.NoError(t, s.AddJob(ctx, theirs, nil))

	jobs, err := s.GetJobs(ctx, JobQuery{UserAddress: "0xalice"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mine.ID, jobs[0].ID)

	_, err = s.GetJobs(ctx, JobQuery{})
	assert.ErrorIs(t, err, ErrUserAddressRequired)
}

func TestGetJobsFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	work := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, work, nil))
	approval := &domain.Job{
		Kind:        domain.KindApproval,
		ChainID:     42161,
		UserAddress: "0xalice",
		Approval:    &domain.ApprovalPayload{WorkUID: "uid-1", Approved: true},
	}
	require.NoError(t, s.AddJob(ctx, approval, nil))
	require.NoError(t, s.MarkJobSynced(ctx, approval.ID, "0xhash"))

	kind := domain.KindWork
	jobs, err := s.GetJobs(ctx, JobQuery{UserAddress: "0xalice", Kind: &kind})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, work.ID, jobs[0].ID)

	synced := true
	jobs, err = s.GetJobs(ctx, JobQuery{UserAddress: "0xalice", Synced: &synced})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, approval.ID, jobs[0].ID)
}

func TestMarkJobSyncedPatchesMeta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := newWorkJob("0xalice")
	job.Meta = map[string]string{domain.MetaClientWorkID: "cw-1"}
	require.NoError(t, s.AddJob(ctx, job, nil))
	require.NoError(t, s.MarkJobSynced(ctx, job.ID, "0xhash"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "0xhash", got.Meta[domain.MetaTxHash])
	assert.Equal(t, "cw-1", got.Meta[domain.MetaClientWorkID], "existing meta keys survive the patch")

	assert.ErrorIs(t, s.MarkJobSynced(ctx, "00000000-0000-0000-0000-000000000000", "x"), ErrJobNotFound)
}

func TestMarkJobFailedIncrementsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, job, nil))
	require.NoError(t, s.MarkJobFailed(ctx, job.ID, "rpc unreachable"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "rpc unreachable", got.LastError)
	require.NotNil(t, got.LastAttemptAt)
}

func TestDeleteJobIdempotent(t *testing.T) {
	s, mm := newTestStore(t)
	ctx := context.Background()

	job := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, job, []*domain.File{testFile("a.webp", []byte{1})}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	require.NoError(t, s.DeleteJob(ctx, job.ID), "second delete is a no-op")

	_, err := s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Zero(t, mm.GetStats().Total)
}

func TestGetStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pending := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, pending, nil))

	synced := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, synced, nil))
	require.NoError(t, s.MarkJobSynced(ctx, synced.ID, "0xhash"))

	dead := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, dead, nil))
	for i := 0; i < domain.MaxRetries; i++ {
		require.NoError(t, s.MarkJobFailed(ctx, dead.ID, "no"))
	}

	other := newWorkJob("0xbob")
	require.NoError(t, s.AddJob(ctx, other, nil))

	stats, err := s.GetStats(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStats{Total: 3, Pending: 1, Failed: 1, Synced: 1}, stats)
}

func TestClientWorkIDMappings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := domain.ClientWorkIDMapping{ClientWorkID: "cw-1", AttestationID: "att-1", JobID: "job-1"}
	require.NoError(t, s.StoreClientWorkIDMapping(ctx, m))

	id, err := s.AttestationIDByClientWorkID(ctx, "cw-1")
	require.NoError(t, err)
	assert.Equal(t, "att-1", id)

	uploaded, err := s.IsClientWorkIDUploaded(ctx, "cw-1")
	require.NoError(t, err)
	assert.True(t, uploaded)

	uploaded, err = s.IsClientWorkIDUploaded(ctx, "cw-unknown")
	require.NoError(t, err)
	assert.False(t, uploaded)

	// Upsert keeps the latest attestation id.
	m.AttestationID = "att-2"
	require.NoError(t, s.StoreClientWorkIDMapping(ctx, m))
	id, err = s.AttestationIDByClientWorkID(ctx, "cw-1")
	require.NoError(t, err)
	assert.Equal(t, "att-2", id)

	all, err := s.AllUploadedClientWorkIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cw-1"}, all)
}

func TestCleanupOldMappings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreClientWorkIDMapping(ctx,
		domain.ClientWorkIDMapping{ClientWorkID: "cw-old", AttestationID: "a", JobID: "j"}))
	_, err := s.pool.Exec(ctx, `
		UPDATE client_work_id_mappings
		SET created_at = NOW() - interval '40 days'
		WHERE client_work_id = 'cw-old'`)
	require.NoError(t, err)
	require.NoError(t, s.StoreClientWorkIDMapping(ctx,
		domain.ClientWorkIDMapping{ClientWorkID: "cw-new", AttestationID: "b", JobID: "k"}))

	removed, err := s.CleanupOldMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	all, err := s.AllUploadedClientWorkIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cw-new"}, all)
}

func TestCleanupBacklogLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFailedDelete(ctx, "job-1", "0xalice"))
	require.NoError(t, s.RecordFailedDelete(ctx, "job-1", "0xalice"), "re-record is a no-op")
	require.NoError(t, s.RecordFailedDelete(ctx, "job-2", "0xbob"))

	entries, err := s.CleanupBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "job-1", entries[0].JobID)

	require.NoError(t, s.ResolveFailedDelete(ctx, "job-1"))
	entries, err = s.CleanupBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-2", entries[0].JobID)
}

func TestSweepStaleImages(t *testing.T) {
	s, mm := newTestStore(t)
	ctx := context.Background()

	// Pending job with an aged image: handle revoked, row kept.
	pending := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, pending, []*domain.File{testFile("keep.webp", []byte{1})}))

	// Synced job with an aged image: handle revoked, row removed.
	synced := newWorkJob("0xalice")
	require.NoError(t, s.AddJob(ctx, synced, []*domain.File{testFile("gone.webp", []byte{2})}))
	require.NoError(t, s.MarkJobSynced(ctx, synced.ID, "0xhash"))

	_, err := s.pool.Exec(ctx, `UPDATE job_images SET created_at = NOW() - interval '2 hours'`)
	require.NoError(t, err)

	revoked, deleted, err := s.SweepStaleImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)
	assert.Equal(t, 1, deleted)
	assert.Zero(t, mm.GetStats().Total)

	var kept int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_images WHERE job_id = $1`, pending.ID).Scan(&kept))
	assert.Equal(t, 1, kept, "pending job keeps its payload")
}
