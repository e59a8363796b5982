package store

import (
	"context"
	"sort"
	"time"
)

// MemoryStore keeps records in memory for a retention period.
type MemoryStore struct {
	records   *TTLStore[string, SessionRecord]
	retention time.Duration
}

// NewMemoryStore creates a store that forgets records after retention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	sweep := min(retention, time.Minute)
	return &MemoryStore{
		records:   NewTTLStore[string, SessionRecord](sweep, nil),
		retention: retention,
	}
}

func (m *MemoryStore) Save(_ context.Context, rec *SessionRecord) error {
	m.records.Set(rec.CallID, *rec, m.retention)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*SessionRecord, error) {
	rec, ok := m.records.Get(callID)
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*SessionRecord, error) {
	var out []*SessionRecord
	m.records.ForEach(func(_ string, rec SessionRecord) bool {
		out = append(out, &rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.records.Close()
	return nil
}
