package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records []Record
	saves   int
	closed  bool
}

// Ensure MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// LoadAll returns a copy of the stored records.
func (m *MemoryBackend) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return cloneRecords(m.records), nil
}

// SaveAll replaces the stored records.
func (m *MemoryBackend) SaveAll(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.records = cloneRecords(records)
	m.saves++
	return nil
}

// Saves returns how many times SaveAll succeeded.
func (m *MemoryBackend) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
