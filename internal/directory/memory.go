package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Directory used by tests and the `memory` backend.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	listeners map[string]map[*memorySubscription]struct{}
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string]json.RawMessage),
		listeners: make(map[string]map[*memorySubscription]struct{}),
	}
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

// Get returns the stored document.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[docKey(collection, id)]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Collection: collection, ID: id, Data: bytes.Clone(data)}, nil
}

// Set replaces the document.
func (m *Memory) Set(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeFields(id, fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLocked(collection, id, data)
	return nil
}

// Update merges fields into an existing document.
func (m *Memory) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[docKey(collection, id)]
	if !ok {
		return ErrNotFound
	}
	data, err := mergeFields(current, fields)
	if err != nil {
		return err
	}
	m.writeLocked(collection, id, data)
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey(collection, id)
	if _, ok := m.docs[key]; !ok {
		return nil
	}
	delete(m.docs, key)
	m.notifyLocked(collection, id, nil)
	return nil
}

// Query scans the collection for documents whose field equals value, ordered by id.
func (m *Memory) Query(ctx context.Context, collection, field, value string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := collection + "/"
	var out []Document
	for key, data := range m.docs {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if fieldEquals(data, field, value) {
			out = append(out, Document{Collection: collection, ID: key[len(prefix):], Data: bytes.Clone(data)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ArrayUnion adds values to a list field.
func (m *Memory) ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error {
	return m.mutate(ctx, collection, id, field, values, false)
}

// ArrayRemove removes values from a list field.
func (m *Memory) ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error {
	return m.mutate(ctx, collection, id, field, values, true)
}

func (m *Memory) mutate(ctx context.Context, collection, id, field string, values []string, remove bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[docKey(collection, id)]
	if !ok {
		return ErrNotFound
	}
	data, err := mutateArray(current, field, values, remove)
	if err != nil {
		return err
	}
	m.writeLocked(collection, id, data)
	return nil
}

// Subscribe registers a listener that first receives the current document.
func (m *Memory) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		owner:  m,
		key:    docKey(collection, id),
		events: make(chan Snapshot, 64),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[sub.key] == nil {
		m.listeners[sub.key] = make(map[*memorySubscription]struct{})
	}
	m.listeners[sub.key][sub] = struct{}{}
	sub.push(snapshotOf(collection, id, m.docs[sub.key]))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (m *Memory) writeLocked(collection, id string, data json.RawMessage) {
	m.docs[docKey(collection, id)] = data
	m.notifyLocked(collection, id, data)
}

func (m *Memory) notifyLocked(collection, id string, data json.RawMessage) {
	for sub := range m.listeners[docKey(collection, id)] {
		sub.push(snapshotOf(collection, id, data))
	}
}

func snapshotOf(collection, id string, data json.RawMessage) Snapshot {
	if data == nil {
		return Snapshot{Collection: collection, ID: id}
	}
	return Snapshot{
		Collection: collection,
		ID:         id,
		Exists:     true,
		Document:   Document{Collection: collection, ID: id, Data: bytes.Clone(data)},
	}
}

type memorySubscription struct {
	owner  *Memory
	key    string
	events chan Snapshot
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Snapshot {
	return s.events
}

// push is called with the owner's lock held, which keeps per-document order.
func (s *memorySubscription) push(snap Snapshot) {
	select {
	case <-s.done:
	case s.events <- snap:
	}
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.owner.mu.Lock()
		delete(s.owner.listeners[s.key], s)
		close(s.events)
		s.owner.mu.Unlock()
	})
}

var _ Directory = (*Memory)(nil)
