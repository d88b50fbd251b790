package store

import (
	"context"

	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/types"
)

// Instrumented wraps a Store and records write metrics. Each Put
// increments store_write_success or store_write_failure.
type Instrumented struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumented wraps a store with metrics instrumentation.
func NewInstrumented(inner Store, collector *metrics.Collector) *Instrumented {
	return &Instrumented{inner: inner, collector: collector}
}

// Put delegates to the inner store and records success or failure.
func (s *Instrumented) Put(ctx context.Context, rec *types.JobRecord) error {
	err := s.inner.Put(ctx, rec)
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Get delegates to the inner store.
func (s *Instrumented) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	return s.inner.Get(ctx, id)
}

// Flush delegates to the inner store.
func (s *Instrumented) Flush(ctx context.Context) error {
	return s.inner.Flush(ctx)
}

// Close delegates to the inner store.
func (s *Instrumented) Close() error {
	return s.inner.Close()
}

var _ Store = (*Instrumented)(nil)
