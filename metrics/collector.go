// Package metrics provides in-process service counters.
//
// The Collector is a leaf package with no internal dependencies. Counters
// are cumulative for the life of the process and exposed through Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Jobs
	JobsCreated   int64 `json:"jobs_created"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`

	// Resources
	ResourcesResolved int64 `json:"resources_resolved"`
	ResolveFailures   int64 `json:"resolve_failures"`

	// Streams
	StreamsOpened  int64 `json:"streams_opened"`
	StreamsClosed  int64 `json:"streams_closed"`
	StreamsExpired int64 `json:"streams_expired"`
	FramesDecoded  int64 `json:"frames_decoded"`
	FrameErrors    int64 `json:"frame_errors"`

	// Compute callbacks, jobs and frames alike
	ComputeErrors int64 `json:"compute_errors"`

	// Storage / notifications
	StoreWriteSuccess int64 `json:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure"`
	NotifyFailures    int64 `json:"notify_failures"`

	// Dimensions
	Instance string `json:"instance"`
}

// Collector accumulates service counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector labelled with instance.
func NewCollector(instance string) *Collector {
	return &Collector{s: Snapshot{Instance: instance}}
}

func (c *Collector) add(f func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(&c.s)
	c.mu.Unlock()
}

// --- Jobs ---

// IncJobCreated records an accepted job submission.
func (c *Collector) IncJobCreated() { c.add(func(s *Snapshot) { s.JobsCreated++ }) }

// IncJobCompleted records a job reaching DONE.
func (c *Collector) IncJobCompleted() { c.add(func(s *Snapshot) { s.JobsCompleted++ }) }

// IncJobFailed records a job reaching FAILED.
func (c *Collector) IncJobFailed() { c.add(func(s *Snapshot) { s.JobsFailed++ }) }

// --- Resources ---

// IncResolved records a successful resource resolution.
func (c *Collector) IncResolved() { c.add(func(s *Snapshot) { s.ResourcesResolved++ }) }

// IncResolveFailure records a failed resource resolution.
func (c *Collector) IncResolveFailure() { c.add(func(s *Snapshot) { s.ResolveFailures++ }) }

// --- Streams ---

// IncStreamOpened records a stream session creation.
func (c *Collector) IncStreamOpened() { c.add(func(s *Snapshot) { s.StreamsOpened++ }) }

// IncStreamClosed records an explicit stream deletion.
func (c *Collector) IncStreamClosed() { c.add(func(s *Snapshot) { s.StreamsClosed++ }) }

// IncStreamExpired records a stream removed by the idle sweeper.
func (c *Collector) IncStreamExpired() { c.add(func(s *Snapshot) { s.StreamsExpired++ }) }

// AddFramesDecoded records n decoded frames.
func (c *Collector) AddFramesDecoded(n int) {
	c.add(func(s *Snapshot) { s.FramesDecoded += int64(n) })
}

// IncFrameError records a fatal frame decoding error.
func (c *Collector) IncFrameError() { c.add(func(s *Snapshot) { s.FrameErrors++ }) }

// IncComputeError records a failed or panicking compute callback.
func (c *Collector) IncComputeError() { c.add(func(s *Snapshot) { s.ComputeErrors++ }) }

// --- Storage / notifications ---
// Store counters are per-call: one Put counts once regardless of backend.

// IncStoreWriteSuccess records a successful store write.
func (c *Collector) IncStoreWriteSuccess() { c.add(func(s *Snapshot) { s.StoreWriteSuccess++ }) }

// IncStoreWriteFailure records a failed store write.
func (c *Collector) IncStoreWriteFailure() { c.add(func(s *Snapshot) { s.StoreWriteFailure++ }) }

// IncNotifyFailure records a failed completion notification.
func (c *Collector) IncNotifyFailure() { c.add(func(s *Snapshot) { s.NotifyFailures++ }) }

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
