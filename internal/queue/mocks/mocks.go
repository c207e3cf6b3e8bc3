// Package mocks provides function-field test doubles for the queue's
// collaborators. Unset fields fall back to benign defaults so tests only
// stub what they assert on.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/attest"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/quota"
	"github.com/greenpill-dev-guild/green-goods-sub008/internal/store"
)

// Store is an in-memory job store with per-method overrides.
type Store struct {
	mu      sync.Mutex
	Jobs    map[string]*domain.Job
	Images  map[string][]store.JobAttachment
	Mapped  map[string]domain.ClientWorkIDMapping
	Backlog map[string]store.BacklogEntry

	AddJobFn          func(ctx context.Context, job *domain.Job, attachments []*domain.File) error
	DeleteJobFn       func(ctx context.Context, id string) error
	MarkJobSyncedFn   func(ctx context.Context, id, txHash string) error
	MarkJobFailedFn   func(ctx context.Context, id, msg string) error
	GetImagesForJobFn func(ctx context.Context, jobID string) ([]store.JobAttachment, error)
}

func NewStore() *Store {
	return &Store{
		Jobs:    make(map[string]*domain.Job),
		Images:  make(map[string][]store.JobAttachment),
		Mapped:  make(map[string]domain.ClientWorkIDMapping),
		Backlog: make(map[string]store.BacklogEntry),
	}
}

// Put seeds a job directly, bypassing AddJob.
func (s *Store) Put(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	if cp.Meta == nil {
		cp.Meta = map[string]string{}
	}
	s.Jobs[cp.ID] = &cp
}

// Get returns the stored job or nil.
func (s *Store) Get(id string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.Jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (s *Store) AddJob(ctx context.Context, job *domain.Job, attachments []*domain.File) error {
	if s.AddJobFn != nil {
		return s.AddJobFn(ctx, job, attachments)
	}
	if job.UserAddress == "" {
		return store.ErrUserAddressRequired
	}
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	s.Put(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range attachments {
		s.Images[job.ID] = append(s.Images[job.ID], store.JobAttachment{
			ID:   domain.NewJobID(),
			File: f,
		})
	}
	return nil
}

func (s *Store) GetJobs(ctx context.Context, q store.JobQuery) ([]*domain.Job, error) {
	if q.UserAddress == "" {
		return nil, store.ErrUserAddressRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.Jobs {
		if j.UserAddress != q.UserAddress {
			continue
		}
		if q.Kind != nil && j.Kind != *q.Kind {
			continue
		}
		if q.Synced != nil && j.Synced != *q.Synced {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	// Newest first, matching the real store.
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if j := s.Get(id); j != nil {
		return j, nil
	}
	return nil, store.ErrJobNotFound
}

func (s *Store) MarkJobSynced(ctx context.Context, id, txHash string) error {
	if s.MarkJobSyncedFn != nil {
		return s.MarkJobSyncedFn(ctx, id, txHash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.Synced = true
	if txHash != "" {
		j.Meta[domain.MetaTxHash] = txHash
	}
	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, id, msg string) error {
	if s.MarkJobFailedFn != nil {
		return s.MarkJobFailedFn(ctx, id, msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.Attempts++
	j.LastError = msg
	now := nowUTC()
	j.LastAttemptAt = &now
	return nil
}

func (s *Store) GetImagesForJob(ctx context.Context, jobID string) ([]store.JobAttachment, error) {
	if s.GetImagesForJobFn != nil {
		return s.GetImagesForJobFn(ctx, jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Images[jobID], nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if s.DeleteJobFn != nil {
		return s.DeleteJobFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Jobs, id)
	delete(s.Images, id)
	return nil
}

func (s *Store) GetStats(ctx context.Context, userAddress string) (domain.JobStats, error) {
	if userAddress == "" {
		return domain.JobStats{}, store.ErrUserAddressRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.JobStats
	for _, j := range s.Jobs {
		if j.UserAddress != userAddress {
			continue
		}
		stats.Total++
		switch {
		case j.Synced:
			stats.Synced++
		case j.Attempts >= domain.MaxRetries:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func (s *Store) StoreClientWorkIDMapping(ctx context.Context, m domain.ClientWorkIDMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mapped[m.ClientWorkID] = m
	return nil
}

func (s *Store) RecordFailedDelete(ctx context.Context, jobID, userAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Backlog[jobID]; !ok {
		s.Backlog[jobID] = store.BacklogEntry{JobID: jobID, UserAddress: userAddress, RecordedAt: nowUTC()}
	}
	return nil
}

func (s *Store) CleanupBacklog(ctx context.Context) ([]store.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.BacklogEntry
	for _, e := range s.Backlog {
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ResolveFailedDelete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Backlog, jobID)
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Submitter stubs the attestation client.
type Submitter struct {
	SubmitWorkFn     func(ctx context.Context, job *domain.Job, images []*domain.File) (attest.Result, error)
	SubmitApprovalFn func(ctx context.Context, job *domain.Job) (attest.Result, error)
}

func (m *Submitter) SubmitWork(ctx context.Context, job *domain.Job, images []*domain.File) (attest.Result, error) {
	if m.SubmitWorkFn != nil {
		return m.SubmitWorkFn(ctx, job, images)
	}
	return attest.Result{TxHash: "0xmock"}, nil
}

func (m *Submitter) SubmitApproval(ctx context.Context, job *domain.Job) (attest.Result, error) {
	if m.SubmitApprovalFn != nil {
		return m.SubmitApprovalFn(ctx, job)
	}
	return attest.Result{TxHash: "0xmock"}, nil
}

// Estimator stubs the storage monitor.
type Estimator struct {
	EstimateFn func(ctx context.Context) (quota.Estimate, error)
}

func (m *Estimator) Estimate(ctx context.Context) (quota.Estimate, error) {
	if m.EstimateFn != nil {
		return m.EstimateFn(ctx)
	}
	return quota.Estimate{Level: quota.LevelOK}, nil
}

// Waker records wake calls.
type Waker struct {
	mu    sync.Mutex
	Users []string
}

func (m *Waker) Wake(ctx context.Context, userAddress string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users = append(m.Users, userAddress)
}

func (m *Waker) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Users)
}
