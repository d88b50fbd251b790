// Package types defines core domain types for the angus compute service.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status constants. A job only moves forward through
// ACCEPTED -> RUNNING -> DONE|FAILED.
const (
	JobStatusAccepted JobStatus = "ACCEPTED"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusDone     JobStatus = "DONE"
	JobStatusFailed   JobStatus = "FAILED"
)

// rank orders statuses for forward-only transitions.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusAccepted:
		return 1
	case JobStatusRunning:
		return 2
	case JobStatusDone, JobStatusFailed:
		return 3
	default:
		return 0
	}
}

// IsValid returns true if s is a known status.
func (s JobStatus) IsValid() bool {
	return s.rank() > 0
}

// IsTerminal returns true for DONE and FAILED.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// HTTPStatus returns the response code used when the envelope is returned
// from job creation: 202 while work is pending, 201 once it has finished.
func (s JobStatus) HTTPStatus() int {
	if s.IsTerminal() {
		return 201
	}
	return 202
}

// CanAdvance reports whether a transition from s to next is allowed.
// Transitions never regress and never leave a terminal state.
func (s JobStatus) CanAdvance(next JobStatus) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TTL classes select where a job record is retained.
const (
	// TTLEphemeral keeps the record in process memory only.
	TTLEphemeral = -1
	// TTLShared keeps the record in the shared cache.
	TTLShared = 0
)

// ErrorObject is the structured error embedded in envelopes and stream
// results in place of a successful result.
type ErrorObject struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the client-visible view of a job.
type Envelope struct {
	URL       string         `json:"url" msgpack:"url"`
	UUID      string         `json:"uuid" msgpack:"uuid"`
	Status    JobStatus      `json:"status" msgpack:"status"`
	Result    map[string]any `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     *ErrorObject   `json:"error,omitempty" msgpack:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// Advance moves the envelope to next, returning an error if the
// transition would regress or leave a terminal state.
func (e *Envelope) Advance(next JobStatus, at time.Time) error {
	if !e.Status.CanAdvance(next) {
		return fmt.Errorf("invalid job status transition %s -> %s", e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = at
	return nil
}

// JobRecord is the stored form of a job. Owner and TTL are never
// returned to clients.
type JobRecord struct {
	Envelope `msgpack:",inline"`

	Service string `json:"service" msgpack:"service"`
	Version string `json:"version" msgpack:"version"`
	Owner   string `json:"owner" msgpack:"owner"`
	TTL     int    `json:"ttl" msgpack:"ttl"`
}

// View returns a copy of the client-visible envelope.
func (r *JobRecord) View() Envelope {
	return r.Envelope
}
