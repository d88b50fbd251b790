package store

import (
	"context"
	"errors"

	"github.com/pithecene-io/angus/types"
)

// Tiered routes records to a backend chosen by their TTL class.
// A nil shared or durable tier falls back to memory.
type Tiered struct {
	memory  Store
	shared  Store
	durable Store
}

// NewTiered creates a TTL-routing store. memory is required.
func NewTiered(memory, shared, durable Store) (*Tiered, error) {
	if memory == nil {
		return nil, errors.New("tiered store requires a memory tier")
	}
	return &Tiered{memory: memory, shared: shared, durable: durable}, nil
}

// route returns the backend for a TTL value.
func (t *Tiered) route(ttl int) Store {
	switch {
	case ttl > 0 && t.durable != nil:
		return t.durable
	case ttl == types.TTLShared && t.shared != nil:
		return t.shared
	default:
		return t.memory
	}
}

// Put implements Store.
func (t *Tiered) Put(ctx context.Context, rec *types.JobRecord) error {
	return t.route(rec.TTL).Put(ctx, rec)
}

// Get implements Store. Tiers are consulted from fastest to slowest;
// the first hit wins. Non-NotFound errors from a tier are returned
// only if no tier has the record.
func (t *Tiered) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	var firstErr error
	for _, s := range t.tiers() {
		rec, err := s.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: ErrNotFound}
}

// Flush implements Store.
func (t *Tiered) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range t.tiers() {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every tier.
func (t *Tiered) Close() error {
	var errs []error
	for _, s := range t.tiers() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tiered) tiers() []Store {
	out := []Store{t.memory}
	if t.shared != nil {
		out = append(out, t.shared)
	}
	if t.durable != nil {
		out = append(out, t.durable)
	}
	return out
}
