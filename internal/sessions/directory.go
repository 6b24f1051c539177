package sessions

import (
	"context"
	"sync"
)

// Directory persists the user to thread mapping. It never stores
// conversation content.
type Directory interface {
	// Lookup returns the stored context for userID, if any.
	Lookup(ctx context.Context, userID string) (Context, bool, error)
	// Save records or replaces the mapping for c.UserID.
	Save(ctx context.Context, c Context) error
	// Delete forgets userID. Deleting an unknown user is not an error.
	Delete(ctx context.Context, userID string) error
}

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]Context
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]Context)}
}

func (m *MemoryDirectory) Lookup(_ context.Context, userID string) (Context, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.entries[userID]
	return c, ok, nil
}

func (m *MemoryDirectory) Save(_ context.Context, c Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[c.UserID] = c
	return nil
}

func (m *MemoryDirectory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
