package stream

import (
	"sync"
	"time"

	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
)

// Registry holds live sessions keyed by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	logger    *log.Logger
	collector *metrics.Collector
}

// NewRegistry creates an empty registry. logger and collector may be nil.
func NewRegistry(logger *log.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		logger:    logger,
		collector: collector,
	}
}

// Add registers a fully constructed session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.collector.IncStreamOpened()
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Delete removes and closes the session for id. Undecoded input is
// discarded with a warning.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.closeSession(s, "deleted")
	r.collector.IncStreamClosed()
	return true
}

// Sweep closes sessions idle for longer than maxIdle, skipping sessions
// with an attached output reader. It returns the number removed.
func (r *Registry) Sweep(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	var expired []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.Attached() || now.Sub(s.LastActive()) <= maxIdle {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.closeSession(s, "expired")
		r.collector.IncStreamExpired()
	}
	return len(expired)
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.closeSession(s, "shutdown")
		r.collector.IncStreamClosed()
	}
}

func (r *Registry) closeSession(s *Session, reason string) {
	discarded := s.Close()
	fields := map[string]any{"stream_id": s.ID, "reason": reason}
	if discarded > 0 {
		fields["discarded_bytes"] = discarded
		r.logger.Warn("stream closed with undecoded input", fields)
		return
	}
	r.logger.Info("stream closed", fields)
}
