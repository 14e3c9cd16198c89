package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps records in memory. It is used by tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	records map[[7]byte]*Record
	now     func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: map[[7]byte]*Record{}, now: time.Now}
}

func (m *MemStore) Load(_ context.Context, uid [7]byte) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LastModified = m.now().UTC()
	m.records[rec.UID] = rec.Clone()
	return nil
}

func (m *MemStore) List(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UIDHex() < out[j].UIDHex() })
	return out, nil
}

func (m *MemStore) Close() error { return nil }
