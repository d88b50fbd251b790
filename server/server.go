// Package server exposes jobs and streams over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pithecene-io/angus/jobs"
	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/service"
	"github.com/pithecene-io/angus/stream"
	"github.com/pithecene-io/angus/types"
	"github.com/pithecene-io/angus/wire"
)

// DefaultMaxRequestBytes caps job and stream creation bodies.
const DefaultMaxRequestBytes = 64 << 20

// Config configures the HTTP surface.
type Config struct {
	// BaseURL prefixes URLs returned to clients.
	BaseURL string
	// MaxRequestBytes caps job and stream creation bodies (default 64 MiB).
	// Stream input is not capped.
	MaxRequestBytes int64
	// Stream bounds each stream session.
	Stream stream.Config
	// IdleTimeout expires idle stream sessions. Zero disables expiry.
	IdleTimeout time.Duration
}

// Deps are the server's collaborators. Dispatcher and Services are required.
type Deps struct {
	Dispatcher *jobs.Dispatcher
	Services   *service.Registry
	Streams    *stream.Registry
	Logger     *log.Logger
	Collector  *metrics.Collector
}

// Server routes HTTP requests to the dispatcher and stream registry.
type Server struct {
	config     Config
	dispatcher *jobs.Dispatcher
	services   *service.Registry
	streams    *stream.Registry
	logger     *log.Logger
	collector  *metrics.Collector
	handler    http.Handler
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Dispatcher == nil || deps.Services == nil {
		return nil, errors.New("server requires a dispatcher and a service registry")
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("server base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	streams := deps.Streams
	if streams == nil {
		streams = stream.NewRegistry(logger, deps.Collector)
	}

	s := &Server{
		config:     cfg,
		dispatcher: deps.Dispatcher,
		services:   deps.Services,
		streams:    streams,
		logger:     logger,
		collector:  deps.Collector,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/{key}/{version}/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /services/{key}/{version}/jobs/{uuid}", s.handleGetJob)
	mux.HandleFunc("POST /services/{key}/{version}/streams", s.handleCreateStream)
	mux.HandleFunc("GET /streams/{uuid}", s.handleGetStream)
	mux.HandleFunc("DELETE /streams/{uuid}", s.handleDeleteStream)
	mux.HandleFunc("POST /streams/{uuid}/input", s.handleStreamInput)
	mux.HandleFunc("GET /streams/{uuid}/output", s.handleStreamOutput)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})

	s.handler = withRequestLog(logger, mux)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Streams returns the session registry.
func (s *Server) Streams() *stream.Registry {
	return s.streams
}

// RunSweeper expires idle stream sessions until ctx is done. It returns
// immediately when IdleTimeout is zero.
func (s *Server) RunSweeper(ctx context.Context) {
	if s.config.IdleTimeout <= 0 {
		return
	}
	interval := max(s.config.IdleTimeout/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.streams.Sweep(now, s.config.IdleTimeout); n > 0 {
				s.logger.Info("expired idle streams", map[string]any{"count": n})
			}
		}
	}
}

// Shutdown closes every stream session and waits for background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streams.CloseAll()
	return s.dispatcher.Shutdown(ctx)
}

// --- jobs ---

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	key, version := r.PathValue("key"), r.PathValue("version")
	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)

	req, err := jobs.ParseRequest(r.Header.Get("Content-Type"), body, 0)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	req.Owner = owner(r)
	req.Token = r.Header.Get("Authorization")

	env, err := s.dispatcher.Create(r.Context(), key, version, req)
	if err != nil {
		if errors.Is(err, service.ErrUnknownService) {
			writeProblem(w, r, http.StatusNotFound, "Unknown service "+service.Name(key, version))
			return
		}
		s.logger.Error("job creation failed", map[string]any{"error": err.Error()})
		writeProblem(w, r, http.StatusInternalServerError, "job could not be recorded")
		return
	}
	writeJSON(w, env.Status.HTTPStatus(), env)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key, version, id := r.PathValue("key"), r.PathValue("version"), r.PathValue("uuid")

	env, err := s.dispatcher.Get(r.Context(), key, version, id, owner(r))
	if err != nil {
		if jobs.IsNotFound(err) {
			writeProblem(w, r, http.StatusNotFound, "Unknown job")
			return
		}
		s.logger.Error("job lookup failed", map[string]any{"job_id": id, "error": err.Error()})
		writeProblem(w, r, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// writeRequestError maps body parsing errors to 400, 413 or 415.
func (s *Server) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeProblem(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var ve *jobs.ValidationError
	if errors.As(err, &ve) && ve.Unsupported {
		writeProblem(w, r, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	writeProblem(w, r, http.StatusBadRequest, err.Error())
}

// --- streams ---

// StreamInfo describes a stream session to clients.
type StreamInfo struct {
	URL       string         `json:"url"`
	UUID      string         `json:"uuid"`
	Input     string         `json:"input"`
	Output    string         `json:"output"`
	Service   string         `json:"service,omitempty"`
	Version   string         `json:"version,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Base      map[string]any `json:"parameters,omitempty"`
	Status    *stream.Status `json:"status,omitempty"`
}

func (s *Server) streamInfo(sess *stream.Session) StreamInfo {
	streamURL := s.config.BaseURL + "/streams/" + sess.ID
	return StreamInfo{URL: streamURL, UUID: sess.ID, Input: streamURL + "/input", Output: streamURL + "/output"}
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	key, version := r.PathValue("key"), r.PathValue("version")

	base, err := s.parseStreamBase(w, r)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	fn, err := s.services.Lookup(key, version)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "Unknown service "+service.Name(key, version))
		return
	}

	sess := stream.NewSession(stream.Options{
		Service: key,
		Version: version,
		Owner:   owner(r),
		Base:    base,
		Func:    fn,
	}, s.config.Stream, s.logger, s.collector)
	s.streams.Add(sess)

	s.logger.Info("stream opened", map[string]any{"stream_id": sess.ID, "service": service.Name(key, version)})
	writeJSON(w, http.StatusCreated, s.streamInfo(sess))
}

// parseStreamBase reads the JSON object that becomes the session's base
// parameters.
func (s *Server) parseStreamBase(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return nil, &jobs.ValidationError{Unsupported: true, Msg: "missing Content-Type"}
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return nil, &jobs.ValidationError{Unsupported: true, Msg: "unsupported Content-Type " + ct}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes))
	if err != nil {
		return nil, err
	}
	base := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return base, nil
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, &jobs.ValidationError{Msg: "stream parameters must be a JSON object", Err: err}
	}
	return base, nil
}

// lookupStream returns the caller's session or writes a 404.
func (s *Server) lookupStream(w http.ResponseWriter, r *http.Request) (*stream.Session, bool) {
	id := r.PathValue("uuid")
	sess, ok := s.streams.Get(id)
	if !ok || sess.Owner != owner(r) {
		writeProblem(w, r, http.StatusNotFound, "Unknown stream")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupStream(w, r)
	if !ok {
		return
	}
	info := s.streamInfo(sess)
	info.Service, info.Version = sess.Service, sess.Version
	created := sess.CreatedAt
	info.CreatedAt = &created
	info.Base = sess.Base()
	status := sess.Status()
	info.Status = &status
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupStream(w, r)
	if !ok {
		return
	}
	s.streams.Delete(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// inputResult is the response to a stream input request.
type inputResult struct {
	Frames     int  `json:"frames"`
	Terminated bool `json:"terminated"`
}

func (s *Server) handleStreamInput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupStream(w, r)
	if !ok {
		return
	}
	boundary, err := wire.ParseBoundary(r.Header.Get("Content-Type"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	n, err := sess.ReadFrom(r.Context(), boundary, r.Body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, inputResult{Frames: n, Terminated: sess.Status().Terminated})
	case wire.IsFatalFrameError(err):
		writeProblem(w, r, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, stream.ErrBoundaryMismatch), errors.Is(err, stream.ErrInputClosed):
		writeProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, stream.ErrSessionClosed):
		writeProblem(w, r, http.StatusNotFound, "Unknown stream")
	default:
		s.logger.Warn("stream input aborted", map[string]any{"stream_id": sess.ID, "frames": n, "error": err.Error()})
		writeProblem(w, r, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupStream(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", wire.OutputContentType)
	err := sess.Drain(r.Context(), w)
	switch {
	case errors.Is(err, stream.ErrOutputBusy):
		writeProblem(w, r, http.StatusConflict, err.Error())
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, stream.ErrSessionClosed):
		s.logger.Warn("stream output aborted", map[string]any{"stream_id": sess.ID, "error": err.Error()})
	}
}

// --- observability ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": types.Version})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}
