package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

type memKey struct {
	kind string
	id   int64
}

// Memory is the in-process Store used in dev mode and tests. Snapshots are
// kept JSON-encoded so callers never share state with the store.
type Memory[S any] struct {
	mu   sync.RWMutex
	data map[memKey][]byte

	loadHook func(kind string, id int64) error
	saveHook func(kind string, id int64) error

	loads atomic.Int64
	saves atomic.Int64
}

// NewMemory creates an empty memory store.
func NewMemory[S any]() *Memory[S] {
	return &Memory[S]{data: make(map[memKey][]byte)}
}

// SetLoadHook installs a hook called before every Load; a non-nil return is
// surfaced as the Load error. Pass nil to clear.
func (m *Memory[S]) SetLoadHook(fn func(kind string, id int64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadHook = fn
}

// SetSaveHook installs a hook called before every Save; a non-nil return is
// surfaced as the Save error. Pass nil to clear.
func (m *Memory[S]) SetSaveHook(fn func(kind string, id int64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveHook = fn
}

// Loads returns the number of Load calls, including failed ones.
func (m *Memory[S]) Loads() int64 { return m.loads.Load() }

// Saves returns the number of successful Save calls.
func (m *Memory[S]) Saves() int64 { return m.saves.Load() }

// Load returns the stored snapshot or (nil, nil) when absent.
func (m *Memory[S]) Load(ctx context.Context, kind string, id int64) (*S, error) {
	m.loads.Add(1)

	m.mu.RLock()
	hook := m.loadHook
	raw, ok := m.data[memKey{kind, id}]
	m.mu.RUnlock()

	if hook != nil {
		if err := hook(kind, id); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, nil
	}

	var state S
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding %s/%d: %w", kind, id, err)
	}
	return &state, nil
}

// Save stores an encoded copy of the snapshot.
func (m *Memory[S]) Save(ctx context.Context, kind string, id int64, state *S) error {
	m.mu.RLock()
	hook := m.saveHook
	m.mu.RUnlock()

	if hook != nil {
		if err := hook(kind, id); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding %s/%d: %w", kind, id, err)
	}

	m.mu.Lock()
	m.data[memKey{kind, id}] = raw
	m.mu.Unlock()

	m.saves.Add(1)
	return nil
}
