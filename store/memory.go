package store

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/angus/types"
)

// DefaultMemoryRetention is how long ephemeral records are kept.
const DefaultMemoryRetention = time.Hour

type memoryEntry struct {
	rec       *types.JobRecord
	expiresAt time.Time
}

// MemoryStore keeps records in process memory and evicts them after a
// fixed retention. Expired entries are removed lazily on Get and by a
// background sweep.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	items     map[string]memoryEntry
	now       func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMemoryStore creates a memory store. A non-positive retention uses
// DefaultMemoryRetention. The sweep runs every retention/2 until Close.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultMemoryRetention
	}
	s := &MemoryStore{
		retention: retention,
		items:     make(map[string]memoryEntry),
		now:       time.Now,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.sweepLoop(retention / 2)
	return s
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec *types.JobRecord) error {
	s.mu.Lock()
	s.items[rec.UUID] = memoryEntry{
		rec:       cloneRecord(rec),
		expiresAt: s.now().Add(s.retention),
	}
	s.mu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*types.JobRecord, error) {
	s.mu.RLock()
	entry, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: ErrNotFound}
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		if current, still := s.items[id]; still && s.now().After(current.expiresAt) {
			delete(s.items, id)
		}
		s.mu.Unlock()
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: ErrNotFound}
	}
	return cloneRecord(entry.rec), nil
}

// Len returns the number of stored (possibly expired) records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Flush implements Store. Memory writes are immediate.
func (s *MemoryStore) Flush(context.Context) error {
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		close(s.shutdown)
		<-s.done
	})
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes every expired entry.
func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	for id, entry := range s.items {
		if now.After(entry.expiresAt) {
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
}
