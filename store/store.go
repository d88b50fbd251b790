// Package store persists job records.
//
// The TTL carried by each record selects the backend:
//   - ttl < 0: process memory (MemoryStore), lost on restart
//   - ttl = 0: shared cache (RedisStore), expires after the configured expiry
//   - ttl > 0: durable dataset (DurableStore), retained ttl seconds
//
// Tiered routes records between the three.
package store

import (
	"context"
	"maps"

	"github.com/pithecene-io/angus/types"
)

// Store abstracts job record persistence.
type Store interface {
	// Put inserts or replaces the record keyed by its UUID.
	Put(ctx context.Context, rec *types.JobRecord) error

	// Get returns the record for id, or an error matching ErrNotFound.
	Get(ctx context.Context, id string) (*types.JobRecord, error)

	// Flush forces buffered writes to the backend.
	Flush(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// cloneRecord copies rec so callers cannot mutate stored state.
func cloneRecord(rec *types.JobRecord) *types.JobRecord {
	c := *rec
	c.Result = maps.Clone(rec.Result)
	if rec.Error != nil {
		e := *rec.Error
		c.Error = &e
	}
	return &c
}
