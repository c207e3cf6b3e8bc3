// Package media tracks short-lived, revocable display handles for binary
// attachments. Handles let observers render an attachment without a second
// copy of its bytes; the manager owns only the handle mapping, never the
// underlying data, and must not outlive the owning record.
package media

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
)

const handleScheme = "media://"

type entry struct {
	handle     string
	trackingID string
	file       *domain.File
}

// Manager is a process-global registry of live display handles. All keys
// are namespaced by the owning record's tracking id, so concurrent owners
// cannot corrupt each other's entries. Add and remove are idempotent.
type Manager struct {
	mu sync.Mutex

	// byHandle is the global registry used for total teardown and Open.
	byHandle map[string]*entry
	// byOwner groups handles per tracking id for bulk cleanup.
	byOwner map[string]map[string]*entry
	// byKey deduplicates logically identical files per owner so repeated
	// renders of the same attachment do not leak a fresh handle each time.
	byKey map[string]*entry
}

func NewManager() *Manager {
	return &Manager{
		byHandle: make(map[string]*entry),
		byOwner:  make(map[string]map[string]*entry),
		byKey:    make(map[string]*entry),
	}
}

// Stats reports outstanding handle counts, total and per tracking id.
// Tests use this for leak detection.
type Stats struct {
	Total    int
	ByOwner  map[string]int
	Tracking []string
}

// CreateURL allocates a new revocable handle for file under trackingID.
// The caller owes a matching CleanupURLs(trackingID) (or CleanupAll) call.
func (m *Manager) CreateURL(file *domain.File, trackingID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(file, trackingID)
}

// GetOrCreateURL returns the existing handle for a logically identical file
// under the same tracking id, allocating one only on first sight.
func (m *Manager) GetOrCreateURL(file *domain.File, trackingID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupKey(file, trackingID)
	if e, ok := m.byKey[key]; ok {
		return e.handle
	}
	return m.create(file, trackingID)
}

// create assumes m.mu is held.
func (m *Manager) create(file *domain.File, trackingID string) string {
	e := &entry{
		handle:     handleScheme + uuid.NewString(),
		trackingID: trackingID,
		file:       file,
	}
	m.byHandle[e.handle] = e
	owned := m.byOwner[trackingID]
	if owned == nil {
		owned = make(map[string]*entry)
		m.byOwner[trackingID] = owned
	}
	owned[e.handle] = e
	m.byKey[dedupKey(file, trackingID)] = e
	return e.handle
}

// Open resolves a handle back to its file. Returns false for revoked or
// unknown handles.
func (m *Manager) Open(handle string) (*domain.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHandle[handle]
	if !ok {
		return nil, false
	}
	return e.file, true
}

// CleanupURLs revokes and forgets every handle owned by trackingID.
// Revoking an id with no handles is a no-op.
func (m *Manager) CleanupURLs(trackingID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.byOwner[trackingID]
	for handle, e := range owned {
		delete(m.byHandle, handle)
		delete(m.byKey, dedupKey(e.file, trackingID))
	}
	delete(m.byOwner, trackingID)
	return len(owned)
}

// Revoke drops a single handle wherever it is tracked.
func (m *Manager) Revoke(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHandle[handle]
	if !ok {
		return
	}
	delete(m.byHandle, handle)
	delete(m.byKey, dedupKey(e.file, e.trackingID))
	if owned := m.byOwner[e.trackingID]; owned != nil {
		delete(owned, handle)
		if len(owned) == 0 {
			delete(m.byOwner, e.trackingID)
		}
	}
}

// CleanupAll revokes every live handle. Called on process teardown.
func (m *Manager) CleanupAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.byHandle)
	m.byHandle = make(map[string]*entry)
	m.byOwner = make(map[string]map[string]*entry)
	m.byKey = make(map[string]*entry)
	return n
}

// GetStats snapshots outstanding handle counts.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:   len(m.byHandle),
		ByOwner: make(map[string]int, len(m.byOwner)),
	}
	for owner, owned := range m.byOwner {
		s.ByOwner[owner] = len(owned)
		s.Tracking = append(s.Tracking, owner)
	}
	sort.Strings(s.Tracking)
	return s
}

func dedupKey(file *domain.File, trackingID string) string {
	return fmt.Sprintf("%s|%s|%d|%d", trackingID, file.Name, file.Size(), file.LastModified.UnixMilli())
}
