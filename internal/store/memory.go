package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used in tests and single-node
// deployments. Subscribers get a snapshot of existing values on subscribe,
// then live events in write order.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	subs map[int]*memSub
	next int
}

type memSub struct {
	prefix string
	ch     chan Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string][]byte),
		subs: make(map[int]*memSub),
	}
}

func (m *MemoryStore) Write(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	m.mu.Lock()
	m.docs[path] = raw
	m.notifyLocked(Event{Path: path, Value: raw})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, path string, out interface{}) error {
	m.mu.RLock()
	raw, ok := m.docs[path]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return json.Unmarshal(raw, out)
}

// Delete removes the document at path. Deleting an absent path is a no-op.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	if _, ok := m.docs[path]; ok {
		delete(m.docs, path)
		m.notifyLocked(Event{Path: path, Value: nil})
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte)
	for path, raw := range m.docs {
		if strings.HasPrefix(path, prefix) {
			out[path] = raw
		}
	}
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	m.mu.Lock()
	id := m.next
	m.next++

	sub := &memSub{prefix: prefix, ch: make(chan Event, 256)}
	m.subs[id] = sub

	// Collect the snapshot under the lock; it is delivered outside it so
	// an arbitrarily large snapshot never blocks other store operations.
	var snapshot []Event
	for path, raw := range m.docs {
		if strings.HasPrefix(path, prefix) {
			snapshot = append(snapshot, Event{Path: path, Value: raw})
		}
	}
	m.mu.Unlock()

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for _, ev := range snapshot {
			out <- ev
		}
		for ev := range sub.ch {
			out <- ev
		}
	}()

	cancel := func() {
		m.mu.Lock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
		m.mu.Unlock()
	}
	return out, cancel, nil
}

func (m *MemoryStore) notifyLocked(ev Event) {
	for _, sub := range m.subs {
		if !strings.HasPrefix(ev.Path, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber, drop rather than block writers.
		}
	}
}
