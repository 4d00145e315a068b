package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/settleline/recond/internal/types"
)

// MemoryStore is the in-memory dead-letter bucket used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[types.ID]Entry
}

// NewMemory creates an empty memory bucket.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[types.ID]Entry)}
}

func (m *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == types.NilID {
		entry.ID = types.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.entries[entry.ID] = *entry
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id types.ID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, entry := range m.entries {
		if filter.TenantID != types.NilID && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.Stage != "" && entry.Stage != filter.Stage {
			continue
		}
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
