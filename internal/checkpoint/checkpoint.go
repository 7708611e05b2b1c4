// Package checkpoint tracks which work items have been crawled and stored.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no progress document exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// State is the on-disk progress document.
type State struct {
	Processed []int64 `json:"processed"`
}

// Tracker is the durable done-set.
type Tracker interface {
	// Load reads the persisted state into memory. A missing document
	// yields an empty state.
	Load(ctx context.Context) (*State, error)

	// MarkDone adds id to the done-set and persists the whole set before
	// returning. On a persist failure the id is not considered done.
	MarkDone(ctx context.Context, id int64) error

	// Done reports whether id is in the done-set.
	Done(id int64) bool

	// Len returns the size of the done-set.
	Len() int
}

// Config configures the tracker.
type Config struct {
	Enabled bool
	Store   storage.Store
	Key     string // object key, e.g. progress.json
}

// NewTracker creates a tracker based on configuration.
func NewTracker(cfg Config) (Tracker, error) {
	if !cfg.Enabled {
		return NewMemoryTracker(), nil
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store required")
	}
	key := cfg.Key
	if key == "" {
		key = "progress.json"
	}
	return &storeTracker{
		store: cfg.Store,
		key:   key,
		done:  make(map[int64]struct{}),
	}, nil
}

// storeTracker persists the done-set as a single JSON object.
type storeTracker struct {
	store storage.Store
	key   string

	mu   sync.Mutex
	done map[int64]struct{}
}

// Load reads the progress document.
func (t *storeTracker) Load(ctx context.Context) (*State, error) {
	state, err := t.read(ctx)
	if errors.Is(err, ErrNoCheckpoint) {
		state = &State{Processed: []int64{}}
	} else if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = make(map[int64]struct{}, len(state.Processed))
	for _, id := range state.Processed {
		t.done[id] = struct{}{}
	}
	return &State{Processed: t.snapshotLocked()}, nil
}

func (t *storeTracker) read(ctx context.Context) (*State, error) {
	data, err := t.store.Read(ctx, t.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", t.store.URI(t.key), err)
	}
	if len(data) == 0 {
		return nil, ErrNoCheckpoint
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", t.store.URI(t.key), err)
	}
	return &state, nil
}

// MarkDone appends id and rewrites the document. The mutex covers both
// the set mutation and the write so concurrent callers never interleave.
func (t *storeTracker) MarkDone(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.done[id]; ok {
		return nil
	}
	t.done[id] = struct{}{}

	data, err := json.Marshal(State{Processed: t.snapshotLocked()})
	if err != nil {
		delete(t.done, id)
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := t.store.Write(ctx, t.key, data); err != nil {
		delete(t.done, id)
		return fmt.Errorf("write checkpoint %s: %w", t.store.URI(t.key), err)
	}
	return nil
}

func (t *storeTracker) Done(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[id]
	return ok
}

func (t *storeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done)
}

func (t *storeTracker) snapshotLocked() []int64 {
	ids := make([]int64, 0, len(t.done))
	for id := range t.done {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// memoryTracker keeps the done-set in memory only, for when checkpointing
// is disabled.
type memoryTracker struct {
	mu   sync.Mutex
	done map[int64]struct{}
}

// NewMemoryTracker returns a tracker that never persists.
func NewMemoryTracker() Tracker {
	return &memoryTracker{done: make(map[int64]struct{})}
}

func (m *memoryTracker) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.done))
	for id := range m.done {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &State{Processed: ids}, nil
}

func (m *memoryTracker) MarkDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = struct{}{}
	return nil
}

func (m *memoryTracker) Done(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.done[id]
	return ok
}

func (m *memoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.done)
}
