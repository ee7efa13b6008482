package tasksource

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotBound is returned when a source has no fitable binding.
var ErrNotBound = errors.New("source is not bound to a fitable")

// Binding ties an external source to the fitable that serves it, so repeated
// calls for the same source reach the same implementation.
type Binding struct {
	SourceID  string
	Fitable   string
	Source    Source
	CreatedAt time.Time
}

// BindingStore persists bindings.
type BindingStore interface {
	Bind(ctx context.Context, b Binding) error
	Lookup(ctx context.Context, sourceID string) (Binding, error)
	Unbind(ctx context.Context, sourceID string) (bool, error)
	List(ctx context.Context) ([]Binding, error)
}

// MemoryBindingStore keeps bindings in process memory.
type MemoryBindingStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewMemoryBindingStore creates an empty store.
func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{bindings: make(map[string]Binding)}
}

// Bind stores b, replacing any binding for the same source.
func (m *MemoryBindingStore) Bind(_ context.Context, b Binding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.bindings[b.SourceID] = b
	m.mu.Unlock()
	return nil
}

// Lookup returns the binding for sourceID or ErrNotBound.
func (m *MemoryBindingStore) Lookup(_ context.Context, sourceID string) (Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[sourceID]
	if !ok {
		return Binding{}, ErrNotBound
	}
	return b, nil
}

// Unbind removes the binding for sourceID.
func (m *MemoryBindingStore) Unbind(_ context.Context, sourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bindings[sourceID]
	delete(m.bindings, sourceID)
	return ok, nil
}

// List returns every binding ordered by source id.
func (m *MemoryBindingStore) List(_ context.Context) ([]Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}
