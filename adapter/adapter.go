// Package adapter publishes job completion notifications to downstream
// systems. Publishing is best effort: a failed notification never
// changes the job it describes.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/angus/types"
)

// EventTypeJobCompleted is the event_type of every JobCompletedEvent.
const EventTypeJobCompleted = "job_completed"

// JobCompletedEvent is published when a job reaches DONE or FAILED.
type JobCompletedEvent struct {
	EventType  string             `json:"event_type"`
	UUID       string             `json:"uuid"`
	URL        string             `json:"url"`
	Service    string             `json:"service"`
	Version    string             `json:"version"`
	Status     types.JobStatus    `json:"status"`
	Owner      string             `json:"owner"`
	Error      *types.ErrorObject `json:"error,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Timestamp  string             `json:"timestamp"` // RFC 3339
}

// NewJobCompletedEvent builds the event for a terminal record.
func NewJobCompletedEvent(rec *types.JobRecord) *JobCompletedEvent {
	return &JobCompletedEvent{
		EventType:  EventTypeJobCompleted,
		UUID:       rec.UUID,
		URL:        rec.URL,
		Service:    rec.Service,
		Version:    rec.Version,
		Status:     rec.Status,
		Owner:      rec.Owner,
		Error:      rec.Error,
		DurationMs: rec.UpdatedAt.Sub(rec.CreatedAt).Milliseconds(),
		Timestamp:  rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes job completion events to a downstream system.
type Adapter interface {
	// Publish sends a job completion event.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// ErrPermanent marks an attempt error that must not be retried.
var ErrPermanent = errors.New("non-retriable")

// BaseBackoff is the delay before the first retry; it doubles per retry.
var BaseBackoff = 500 * time.Millisecond

// Retry calls attempt up to 1+retries times with exponential backoff,
// stopping early on success, context cancellation, or an error wrapping
// ErrPermanent. name prefixes returned errors.
func Retry(ctx context.Context, name string, retries int, attempt func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return fmt.Errorf("%s: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
