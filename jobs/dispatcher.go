// Package jobs creates, computes and looks up one-shot jobs.
//
// A job record is written ACCEPTED before compute starts, RUNNING while
// resources resolve and the service runs, and DONE or FAILED at the end.
// Each write goes through the store; the final write is flushed.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/angus/adapter"
	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/resource"
	"github.com/pithecene-io/angus/service"
	"github.com/pithecene-io/angus/store"
	"github.com/pithecene-io/angus/types"
)

// DefaultNotifyTimeout bounds a completion notification.
const DefaultNotifyTimeout = 30 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// BaseURL prefixes job URLs, e.g. "http://localhost:8080".
	BaseURL string
	// NotifyTimeout bounds each completion notification (default 30s).
	NotifyTimeout time.Duration
}

// Deps are the Dispatcher's collaborators. Store, Resolver and Services
// are required.
type Deps struct {
	Store     store.Store
	Resolver  *resource.Resolver
	Services  *service.Registry
	Notifier  adapter.Adapter
	Logger    *log.Logger
	Collector *metrics.Collector
}

// Dispatcher runs jobs.
type Dispatcher struct {
	config    Config
	store     store.Store
	resolver  *resource.Resolver
	services  *service.Registry
	notifier  adapter.Adapter
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil || deps.Resolver == nil || deps.Services == nil {
		return nil, errors.New("dispatcher requires a store, resolver and service registry")
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Dispatcher{
		config:    cfg,
		store:     deps.Store,
		resolver:  deps.Resolver,
		services:  deps.Services,
		notifier:  deps.Notifier,
		logger:    logger,
		collector: deps.Collector,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// JobURL returns the canonical URL of a job.
func (d *Dispatcher) JobURL(key, version, id string) string {
	return fmt.Sprintf("%s/services/%s/%s/jobs/%s", strings.TrimRight(d.config.BaseURL, "/"), key, version, id)
}

// Create records a new ACCEPTED job and computes it. Async requests
// return the ACCEPTED envelope at once and compute in the background;
// sync requests return the terminal envelope.
//
// An unknown service returns an error wrapping service.ErrUnknownService
// and creates nothing. Ownership of req passes to the dispatcher.
func (d *Dispatcher) Create(ctx context.Context, key, version string, req *Request) (types.Envelope, error) {
	fn, err := d.services.Lookup(key, version)
	if err != nil {
		_ = req.Close()
		return types.Envelope{}, err
	}

	id := uuid.NewString()
	now := d.now()
	rec := &types.JobRecord{
		Envelope: types.Envelope{
			URL:       d.JobURL(key, version, id),
			UUID:      id,
			Status:    types.JobStatusAccepted,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Service: key,
		Version: version,
		Owner:   req.Owner,
		TTL:     req.TTL,
	}
	if err := d.store.Put(ctx, rec); err != nil {
		_ = req.Close()
		return types.Envelope{}, fmt.Errorf("record job %s: %w", id, err)
	}
	d.collector.IncJobCreated()

	logger := d.logger.With(map[string]any{"job_id": id, "service": service.Name(key, version)})
	logger.Info("job accepted", map[string]any{"async": req.Async, "ttl": req.TTL, "owner": req.Owner})

	if req.Async {
		accepted := rec.View()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.compute(context.WithoutCancel(ctx), rec, fn, req, logger)
		}()
		return accepted, nil
	}

	d.compute(ctx, rec, fn, req, logger)
	return rec.View(), nil
}

// compute resolves the payload's resources, runs fn and records the
// outcome. Failures are recorded on the job, never returned. ctx bounds
// resolution and fn only; the store writes, flush and notification run
// even after ctx is cancelled.
func (d *Dispatcher) compute(ctx context.Context, rec *types.JobRecord, fn service.Func, req *Request, logger *log.Logger) {
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if err := req.Close(); err != nil {
			logger.Warn("request cleanup failed", map[string]any{"error": err.Error()})
		}
	}()

	scope := resource.NewScope()
	defer func() {
		if err := scope.Close(); err != nil {
			logger.Warn("resource release failed", map[string]any{"error": err.Error()})
		}
	}()

	d.advance(persistCtx, rec, types.JobStatusRunning, logger)

	payload := resource.Substitute(req.Payload, scope)
	resolver := d.resolver.ForRequest(req.Token, req.Attachments)

	var (
		result map[string]any
		errObj *types.ErrorObject
	)
	if err := resolver.ResolveAll(ctx, payload.Resources()); err != nil {
		errObj = errorObject(err)
	} else if out, err := service.Invoke(ctx, service.Name(rec.Service, rec.Version), fn, payload.Map()); err != nil {
		d.collector.IncComputeError()
		logger.Error("job compute failed", map[string]any{"error": err.Error()})
		errObj = errorObject(err)
	} else {
		result = out
	}

	if errObj != nil {
		rec.Error = errObj
		d.advance(persistCtx, rec, types.JobStatusFailed, logger)
		d.collector.IncJobFailed()
	} else {
		rec.Result = result
		d.advance(persistCtx, rec, types.JobStatusDone, logger)
		d.collector.IncJobCompleted()
	}

	if err := d.store.Flush(persistCtx); err != nil {
		logger.Error("job flush failed", map[string]any{"error": err.Error()})
	}
	logger.Info("job finished", map[string]any{"status": string(rec.Status)})
	d.notify(persistCtx, rec, logger)
}

// advance moves rec to next and writes it. Store errors are logged; the
// in-memory record still advances so a sync caller sees the outcome.
func (d *Dispatcher) advance(ctx context.Context, rec *types.JobRecord, next types.JobStatus, logger *log.Logger) {
	if err := rec.Advance(next, d.now()); err != nil {
		logger.Error("job status transition rejected", map[string]any{"error": err.Error()})
		return
	}
	if err := d.store.Put(ctx, rec); err != nil {
		logger.Error("job write failed", map[string]any{"status": string(next), "error": err.Error()})
	}
}

func (d *Dispatcher) notify(ctx context.Context, rec *types.JobRecord, logger *log.Logger) {
	if d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.NotifyTimeout)
	defer cancel()
	if err := d.notifier.Publish(ctx, adapter.NewJobCompletedEvent(rec)); err != nil {
		d.collector.IncNotifyFailure()
		logger.Warn("job notification failed", map[string]any{"error": err.Error()})
	}
}

// errorObject converts resolution and compute errors to their embedded form.
func errorObject(err error) *types.ErrorObject {
	var re *resource.ResolutionError
	if errors.As(err, &re) {
		return re.ErrorObject()
	}
	var ce *service.ComputeError
	if errors.As(err, &ce) {
		return ce.ErrorObject()
	}
	return &types.ErrorObject{Code: service.CodeComputeFailed, Message: err.Error()}
}

// Get returns the envelope of a job owned by owner under key/version.
// A missing job, an owner mismatch, and a service mismatch all return
// *NotFoundError.
func (d *Dispatcher) Get(ctx context.Context, key, version, id, owner string) (types.Envelope, error) {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Envelope{}, &NotFoundError{ID: id}
		}
		return types.Envelope{}, err
	}
	if rec.Owner != owner || rec.Service != key || rec.Version != version {
		return types.Envelope{}, &NotFoundError{ID: id}
	}
	return rec.View(), nil
}

// Wait blocks until every background job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for background jobs or until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
