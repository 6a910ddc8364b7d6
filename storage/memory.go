package storage

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Engine. It backs single-node runs and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	version     atomic.Uint64
}

// NewMemory creates an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Record)}
}

var _ Engine = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, collection, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.collections[collection][key]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneRecord(rec), nil
}

func (m *Memory) List(_ context.Context, collection string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.collections[collection]))
	for _, rec := range m.collections[collection] {
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b *Record) int { return strings.Compare(a.Key, b.Key) })

	return out, nil
}

func (m *Memory) Create(_ context.Context, collection, key string, value []byte) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	if _, ok := c[key]; ok {
		return nil, ErrConflict
	}
	rec := m.store(c, key, value)

	return cloneRecord(rec), nil
}

func (m *Memory) Upsert(_ context.Context, collection, key string, value []byte, etag string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	if etag != "" {
		cur, ok := c[key]
		if !ok {
			return nil, ErrNotFound
		}
		if cur.ETag != etag {
			return nil, ErrConflict
		}
	}
	rec := m.store(c, key, value)

	return cloneRecord(rec), nil
}

func (m *Memory) Delete(_ context.Context, collection, key, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collections[collection]
	cur, ok := c[key]
	if !ok {
		return ErrNotFound
	}
	if etag != "" && cur.ETag != etag {
		return ErrConflict
	}
	delete(c, key)

	return nil
}

// Close is a no-op.
func (*Memory) Close() error { return nil }

func (m *Memory) collection(name string) map[string]Record {
	c, ok := m.collections[name]
	if !ok {
		c = make(map[string]Record)
		m.collections[name] = c
	}

	return c
}

func (m *Memory) store(c map[string]Record, key string, value []byte) Record {
	rec := Record{
		Key:   key,
		Value: slices.Clone(value),
		ETag:  strconv.FormatUint(m.version.Add(1), 10),
	}
	c[key] = rec

	return rec
}

func cloneRecord(r Record) *Record {
	r.Value = slices.Clone(r.Value)

	return &r
}
