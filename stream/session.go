// Package stream implements stream sessions: a per-session frame decoder
// feeding a compute callback whose results are queued for the output side.
package stream

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/resource"
	"github.com/pithecene-io/angus/service"
	"github.com/pithecene-io/angus/types"
	"github.com/pithecene-io/angus/wire"
)

// Defaults for Config.
const (
	DefaultQueueSize     = 64
	DefaultReadChunkSize = 32 * 1024
)

var (
	// ErrInputClosed is returned when input arrives after the stream terminated.
	ErrInputClosed = errors.New("stream input is closed")
	// ErrBoundaryMismatch is returned when an input request uses a different
	// boundary than the one the session was started with.
	ErrBoundaryMismatch = errors.New("boundary does not match the session boundary")
	// ErrOutputBusy is returned when a second reader attaches to the output.
	ErrOutputBusy = errors.New("stream output already has a reader")
	// ErrSessionClosed is returned once the session has been deleted.
	ErrSessionClosed = errors.New("stream session closed")
)

// Config bounds per-session resources.
type Config struct {
	// QueueSize is the output queue capacity (default 64).
	QueueSize int
	// MaxFrameSize caps a frame's Content-Length (default 16 MiB).
	MaxFrameSize int
	// ReadChunkSize is the read size used by ReadFrom (default 32 KiB).
	ReadChunkSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = DefaultReadChunkSize
	}
	return c
}

// Result is one output queue item.
type Result struct {
	// Seq is the 1-based frame index within the session.
	Seq int `json:"seq"`
	// Field is the frame's data field name.
	Field string `json:"field"`
	// Result is the compute output; absent when Error is set.
	Result map[string]any `json:"result,omitempty"`
	// Error describes a failed compute.
	Error *types.ErrorObject `json:"error,omitempty"`
}

// Options describes a session at creation time.
type Options struct {
	Service string
	Version string
	Owner   string
	// Base is merged beneath every frame's parameters.
	Base map[string]any
	// Func computes one frame.
	Func service.Func
}

// Session decodes one stream's input and queues one Result per frame.
//
// Feed calls are serialized: a chunk arriving while another is being
// decoded waits for it. Results are queued in frame order. The queue is
// closed when the closing boundary is decoded or the input fails fatally.
type Session struct {
	ID        string
	Service   string
	Version   string
	Owner     string
	CreatedAt time.Time

	config    Config
	base      map[string]any
	fn        service.Func
	logger    *log.Logger
	collector *metrics.Collector

	// ctx is the compute context; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	feedMu   sync.Mutex // guards decoder, boundary, seq, pending, held, closing, queueClosed
	decoder  *wire.Decoder
	boundary string
	seq      int

	// pending holds decoded frames not yet computed; held is a computed
	// result not yet queued. Both survive an interrupted Feed and are
	// queued ahead of any later input.
	pending []wire.Frame
	held    *Result
	// closing is set once the input has ended; the queue closes when
	// pending and held are empty.
	closing bool

	queueClosed bool
	out         chan Result
	resumed     chan struct{}

	stop      chan struct{}
	closeOnce sync.Once

	draining   atomic.Bool
	lastActive atomic.Int64

	// Mirrors of feedMu state readable without waiting on a blocked Feed.
	frames     atomic.Int64
	buffered   atomic.Int64
	terminated atomic.Bool
}

// NewSession creates a session. logger and collector may be nil.
func NewSession(opts Options, cfg Config, logger *log.Logger, collector *metrics.Collector) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:        id,
		Service:   opts.Service,
		Version:   opts.Version,
		Owner:     opts.Owner,
		CreatedAt: time.Now().UTC(),
		config:    cfg,
		base:      maps.Clone(opts.Base),
		fn:        opts.Func,
		logger:    logger.With(map[string]any{"stream_id": id, "service": service.Name(opts.Service, opts.Version)}),
		collector: collector,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan Result, cfg.QueueSize),
		resumed:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if s.base == nil {
		s.base = map[string]any{}
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last input or output activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Attached reports whether an output reader is currently draining.
func (s *Session) Attached() bool {
	return s.draining.Load()
}

// Base returns a copy of the session's base parameters.
func (s *Session) Base() map[string]any {
	return maps.Clone(s.base)
}

// Status is a point-in-time description of a session.
type Status struct {
	Frames     int       `json:"frames"`
	Buffered   int       `json:"buffered"`
	Queued     int       `json:"queued"`
	Terminated bool      `json:"terminated"`
	Attached   bool      `json:"attached"`
	LastActive time.Time `json:"last_active"`
}

// Status reports decode progress as of the last completed chunk.
func (s *Session) Status() Status {
	return Status{
		Frames:     int(s.frames.Load()),
		Buffered:   int(s.buffered.Load()),
		Queued:     len(s.out),
		Terminated: s.terminated.Load(),
		Attached:   s.draining.Load(),
		LastActive: s.LastActive().UTC(),
	}
}

// Feed decodes chunk, computing and queueing every complete frame. It
// returns the number of results queued, including results left over from
// an earlier interrupted call. boundary is the token from the input
// request's Content-Type; the first Feed fixes it for the session.
//
// Feed blocks while the output queue is full. When ctx is done first, the
// unqueued frames stay on the session and are queued by the next Feed or
// by the output reader. A fatal frame error closes the queue after the
// frames decoded before it.
func (s *Session) Feed(ctx context.Context, boundary string, chunk []byte) (int, error) {
	return s.withFeedLock(func() (int, error) {
		return s.feedLocked(ctx, boundary, chunk)
	})
}

// ReadFrom feeds r to the session in chunks until EOF, a fatal error, or
// the closing boundary. It returns the number of results queued.
func (s *Session) ReadFrom(ctx context.Context, boundary string, r io.Reader) (int, error) {
	return s.withFeedLock(func() (int, error) {
		buf := make([]byte, s.config.ReadChunkSize)
		total := 0
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				queued, err := s.feedLocked(ctx, boundary, buf[:n])
				total += queued
				if err != nil {
					return total, err
				}
				if s.queueClosed {
					return total, nil
				}
			}
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			if readErr != nil {
				return total, readErr
			}
		}
	})
}

// withFeedLock runs fn under feedMu and, if fn left unqueued work behind,
// wakes the output reader once the lock is released.
func (s *Session) withFeedLock(fn func() (int, error)) (int, error) {
	s.feedMu.Lock()
	n, err := fn()
	stalled := !s.queueClosed && (s.held != nil || len(s.pending) > 0 || s.closing)
	s.feedMu.Unlock()

	if stalled {
		select {
		case s.resumed <- struct{}{}:
		default:
		}
	}
	return n, err
}

func (s *Session) feedLocked(ctx context.Context, boundary string, chunk []byte) (int, error) {
	select {
	case <-s.stop:
		return 0, ErrSessionClosed
	default:
	}
	if s.queueClosed {
		return 0, ErrInputClosed
	}
	if s.decoder == nil {
		s.boundary = boundary
		s.decoder = wire.NewDecoder(boundary, s.base, wire.WithMaxFrameSize(s.config.MaxFrameSize))
	} else if boundary != s.boundary {
		return 0, ErrBoundaryMismatch
	}
	s.touch()

	queued, err := s.flushLocked(ctx, true)
	if err != nil {
		return queued, err
	}
	if s.closing {
		s.settleLocked()
		return queued, ErrInputClosed
	}

	frames, decodeErr := s.decoder.Feed(chunk)
	s.buffered.Store(int64(s.decoder.Buffered()))
	s.collector.AddFramesDecoded(len(frames))
	s.pending = append(s.pending, frames...)

	if decodeErr != nil {
		s.collector.IncFrameError()
		s.logger.Warn("stream input rejected", map[string]any{"error": decodeErr.Error()})
		if wire.IsFatalFrameError(decodeErr) {
			s.closing = true
		}
	} else if s.decoder.Terminated() {
		s.closing = true
	}

	n, err := s.flushLocked(ctx, true)
	queued += n
	if err != nil {
		return queued, err
	}
	s.settleLocked()
	return queued, decodeErr
}

// flushLocked computes and queues pending frames in order. With block set
// it waits for queue space until ctx is done; otherwise it stops at the
// first full queue. Caller holds feedMu.
func (s *Session) flushLocked(ctx context.Context, block bool) (int, error) {
	n := 0
	for s.held != nil || len(s.pending) > 0 {
		if s.held == nil {
			r := s.compute(s.pending[0])
			s.pending[0] = wire.Frame{}
			s.pending = s.pending[1:]
			s.held = &r
		}
		if block {
			if err := s.push(ctx, *s.held); err != nil {
				return n, err
			}
		} else {
			select {
			case s.out <- *s.held:
			default:
				return n, nil
			}
		}
		s.held = nil
		n++
	}
	s.pending = nil
	return n, nil
}

// settleLocked closes the queue once the input has ended and every
// result is queued. Caller holds feedMu.
func (s *Session) settleLocked() {
	if !s.closing || s.held != nil || len(s.pending) > 0 {
		return
	}
	if !s.queueClosed {
		s.logger.Debug("stream input terminated", map[string]any{"frames": s.seq})
	}
	s.closeQueueLocked()
}

// resume queues work left behind by an interrupted Feed without waiting
// for queue space. It runs on the output side and skips if a Feed holds
// the lock.
func (s *Session) resume() {
	if !s.feedMu.TryLock() {
		return
	}
	defer s.feedMu.Unlock()
	if s.queueClosed {
		return
	}
	_, _ = s.flushLocked(s.ctx, false)
	s.settleLocked()
}

// compute runs the callback for one frame. Callback errors and panics
// become an error result; the session continues.
func (s *Session) compute(f wire.Frame) Result {
	s.seq++
	s.frames.Store(int64(s.seq))
	res := Result{Seq: s.seq, Field: f.FieldName}

	params := maps.Clone(f.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	params[f.FieldName] = resource.FromBytes(f.Payload)

	out, err := service.Invoke(s.ctx, service.Name(s.Service, s.Version), s.fn, params)
	if err != nil {
		s.collector.IncComputeError()
		s.logger.Error("frame compute failed", map[string]any{"seq": res.Seq, "error": err.Error()})
		var ce *service.ComputeError
		if errors.As(err, &ce) {
			res.Error = ce.ErrorObject()
		} else {
			res.Error = &types.ErrorObject{Code: service.CodeComputeFailed, Message: err.Error()}
		}
		return res
	}
	res.Result = out
	return res
}

// push enqueues r, waiting while the queue is full.
func (s *Session) push(ctx context.Context, r Result) error {
	select {
	case s.out <- r:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeQueueLocked pushes the terminal marker by closing the queue.
// Caller holds feedMu.
func (s *Session) closeQueueLocked() {
	if s.queueClosed {
		return
	}
	s.queueClosed = true
	s.terminated.Store(true)
	close(s.out)
}

// Drain writes queued results to w as multipart/mixed parts until the
// queue is closed, then writes the closing boundary. It returns early
// without the closing boundary when ctx is done or the session is closed.
// Only one Drain may run at a time.
func (s *Session) Drain(ctx context.Context, w io.Writer) error {
	if !s.draining.CompareAndSwap(false, true) {
		return ErrOutputBusy
	}
	defer s.draining.Store(false)

	pw := wire.NewPartWriter(w)
	flusher, _ := w.(interface{ Flush() })
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for {
		s.resume()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return ErrSessionClosed
		case <-s.resumed:
		case r, ok := <-s.out:
			s.touch()
			if !ok {
				if err := pw.Close(); err != nil {
					return err
				}
				flush()
				return nil
			}
			if err := pw.WritePart(r); err != nil {
				return err
			}
			flush()
		}
	}
}

// Close stops the session. Blocked Feed and Drain calls return
// ErrSessionClosed and in-flight computes see a cancelled context.
// It returns the number of undecoded bytes that were discarded.
func (s *Session) Close() int {
	discarded := 0
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
		discarded = int(s.buffered.Load())
	})
	return discarded
}
