package store

import (
	"context"
	"sync"

	"github.com/pithecene-io/angus/types"
)

// StubStore is a test store that keeps records in a map and tracks
// every write for assertions.
type StubStore struct {
	mu sync.Mutex

	records map[string]*types.JobRecord

	// Writes holds a copy of every record passed to Put, in order.
	Writes []*types.JobRecord
	// Flushes is the number of Flush calls.
	Flushes int
	// Closed indicates whether Close was called.
	Closed bool

	// ErrorOnPut, if non-nil, is returned by Put.
	ErrorOnPut error
}

// NewStubStore creates an empty stub store.
func NewStubStore() *StubStore {
	return &StubStore{records: make(map[string]*types.JobRecord)}
}

// Put records the write.
func (s *StubStore) Put(_ context.Context, rec *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrorOnPut != nil {
		return s.ErrorOnPut
	}
	c := cloneRecord(rec)
	s.records[rec.UUID] = c
	s.Writes = append(s.Writes, cloneRecord(rec))
	return nil
}

// Get returns the last record written for id.
func (s *StubStore) Get(_ context.Context, id string) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: ErrNotFound}
	}
	return cloneRecord(rec), nil
}

// Flush counts the call.
func (s *StubStore) Flush(context.Context) error {
	s.mu.Lock()
	s.Flushes++
	s.mu.Unlock()
	return nil
}

// Close marks the store closed.
func (s *StubStore) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return nil
}

// Statuses returns the status of every write for id, in order.
func (s *StubStore) Statuses(id string) []types.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobStatus
	for _, w := range s.Writes {
		if w.UUID == id {
			out = append(out, w.Status)
		}
	}
	return out
}

var _ Store = (*StubStore)(nil)
