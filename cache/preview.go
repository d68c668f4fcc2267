/*
Package cache stores reconciliation previews between "show me" and "apply".

PURPOSE:
  An operator uploads a payment file, looks at the classified rows, and
  only then confirms. The classified result is parked here under a preview
  id so the confirmation applies exactly what was shown, not a fresh
  classification of a ledger that may have moved in between.

IMPLEMENTATIONS:
  Memory: process-local map with expiry (tests, single instance)
  Redis:  JSON values with a TTL, shared between API instances

A preview is consumed by Take: the first apply wins and a second
confirmation of the same preview gets ErrPreviewNotFound.
*/
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/loan-engine/importer"
	"github.com/warp/loan-engine/lending"
)

var ErrPreviewNotFound = errors.New("reconciliation preview not found or expired")

// Preview is a classified import waiting for confirmation.
type Preview struct {
	ID        string                  `json:"id"`
	CreatedAt time.Time               `json:"created_at"`
	CreatedBy string                  `json:"created_by"`
	Source    string                  `json:"source,omitempty"`
	Result    lending.ReconcileResult `json:"result"`
	Rejected  []importer.RowError     `json:"rejected"`
}

// PreviewStore parks previews until they are applied or expire.
type PreviewStore interface {
	Put(ctx context.Context, p Preview) error
	Get(ctx context.Context, id string) (Preview, error)
	// Take returns the preview and removes it.
	Take(ctx context.Context, id string) (Preview, error)
}

// =============================================================================
// MEMORY
// =============================================================================

type memoryEntry struct {
	preview   Preview
	expiresAt time.Time
}

type MemoryPreviewStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryPreviewStore(ttl time.Duration) *MemoryPreviewStore {
	return &MemoryPreviewStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// WithClock replaces the clock used for expiry.
func (m *MemoryPreviewStore) WithClock(now func() time.Time) *MemoryPreviewStore {
	m.now = now
	return m
}

func (m *MemoryPreviewStore) Put(_ context.Context, p Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.entries[p.ID] = memoryEntry{preview: p, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryPreviewStore) Get(_ context.Context, id string) (Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryPreviewStore) Take(_ context.Context, id string) (Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.getLocked(id)
	if err == nil {
		delete(m.entries, id)
	}
	return p, err
}

func (m *MemoryPreviewStore) getLocked(id string) (Preview, error) {
	e, ok := m.entries[id]
	if !ok || !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return Preview{}, ErrPreviewNotFound
	}
	return e.preview, nil
}

func (m *MemoryPreviewStore) sweepLocked() {
	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
