package store

import (
	"context"
	"sync"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
)

type memoryKey struct {
	key   string
	start int64
}

// MemoryStore is an in-process implementation of timelimit.Store.
// Counters are not shared between processes.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[memoryKey]int64
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[memoryKey]int64),
	}
}

func (m *MemoryStore) Count(_ context.Context, key string, w timelimit.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters[memoryKey{key: key, start: w.Start}], nil
}

func (m *MemoryStore) Hit(_ context.Context, key string, w timelimit.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[memoryKey{key: key, start: w.Start}]++

	return nil
}

func (m *MemoryStore) Reset(_ context.Context, key string, w timelimit.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, memoryKey{key: key, start: w.Start})

	return nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := cutoff.Unix()

	for k := range m.counters {
		if k.start < limit {
			delete(m.counters, k)
		}
	}

	return true, nil
}

func (m *MemoryStore) List(_ context.Context, offset, limit int) ([]abuse.Record, error) {
	m.mu.RLock()
	records := make([]abuse.Record, 0, len(m.counters))

	for k, count := range m.counters {
		records = append(records, abuse.Record{
			Key:   k.key,
			Time:  time.Unix(k.start, 0).UTC(),
			Count: count,
		})
	}
	m.mu.RUnlock()

	timelimit.SortRecords(records)

	return timelimit.Page(records, offset, limit), nil
}

// Compile-time check.
var _ timelimit.Store = (*MemoryStore)(nil)
