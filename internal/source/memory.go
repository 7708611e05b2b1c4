package source

import (
	"context"
	"sort"
	"sync"
)

// MemorySource is an in-process WorkSource, used by tests and for URL
// lists supplied on the command line.
type MemorySource struct {
	mu        sync.Mutex
	items     map[int64]WorkItem
	processed map[int64]bool
}

// NewMemorySource creates a source holding items, all unprocessed.
func NewMemorySource(items ...WorkItem) *MemorySource {
	m := &MemorySource{
		items:     make(map[int64]WorkItem, len(items)),
		processed: make(map[int64]bool),
	}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

func (m *MemorySource) Pending(ctx context.Context) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkItem, 0, len(m.items))
	for id, it := range m.items {
		if !m.processed[id] {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySource) MarkProcessed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrUnknownItem
	}
	m.processed[id] = true
	return nil
}

// Processed reports whether id has been marked.
func (m *MemorySource) Processed(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[id]
}

func (m *MemorySource) Close() error { return nil }
