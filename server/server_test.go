package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/angus/jobs"
	"github.com/pithecene-io/angus/metrics"
	"github.com/pithecene-io/angus/resource"
	"github.com/pithecene-io/angus/service"
	"github.com/pithecene-io/angus/store"
	"github.com/pithecene-io/angus/stream"
	"github.com/pithecene-io/angus/types"
	"github.com/pithecene-io/angus/wire"
)

type fixture struct {
	srv        *Server
	ts         *httptest.Server
	dispatcher *jobs.Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mem := store.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = mem.Close() })

	collector := metrics.NewCollector("test")
	services := service.Builtins()
	d, err := jobs.NewDispatcher(jobs.Config{BaseURL: "http://angus.test"}, jobs.Deps{
		Store:     mem,
		Resolver:  resource.NewResolver(resource.Config{TempDir: t.TempDir()}, nil, collector),
		Services:  services,
		Collector: collector,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://angus.test"
	}
	srv, err := New(cfg, Deps{Dispatcher: d, Services: services, Collector: collector})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(t.Context())
	})
	return &fixture{srv: srv, ts: ts, dispatcher: d}
}

func (f *fixture) do(t *testing.T, method, path, contentType, user string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.ts.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.SetBasicAuth(user, "secret")
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectProblem(t *testing.T, resp *http.Response, status int) ProblemDetail {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ProblemContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ProblemContentType)
	}
	p := decode[ProblemDetail](t, resp)
	if p.Status != status {
		t.Errorf("problem status = %d, want %d", p.Status, status)
	}
	return p
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	d, err := jobs.NewDispatcher(jobs.Config{}, jobs.Deps{
		Store:    store.NewStubStore(),
		Resolver: resource.NewResolver(resource.Config{TempDir: t.TempDir()}, nil, nil),
		Services: service.Builtins(),
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if _, err := New(Config{BaseURL: "http://[::1"}, Deps{Dispatcher: d, Services: service.Builtins()}); err == nil {
		t.Fatal("New should reject an unparseable base url")
	}
}

func TestCreateJob_SyncReturnsTerminal(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPost, "/services/echo/1/jobs", "application/json", "",
		strings.NewReader(`{"text":"hello","async":false}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	env := decode[types.Envelope](t, resp)
	if env.Status != types.JobStatusDone {
		t.Errorf("status = %s, want DONE", env.Status)
	}
	if env.Result["text"] != "hello" {
		t.Errorf("result = %v", env.Result)
	}
	if !strings.HasPrefix(env.URL, "http://angus.test/services/echo/1/jobs/") {
		t.Errorf("url = %q", env.URL)
	}
}

func TestCreateJob_AsyncReturnsAccepted(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPost, "/services/echo/1/jobs", "application/json", "alice",
		strings.NewReader(`{"text":"hello"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	env := decode[types.Envelope](t, resp)
	if env.Status != types.JobStatusAccepted {
		t.Errorf("status = %s, want ACCEPTED", env.Status)
	}

	f.dispatcher.Wait()

	got := f.do(t, http.MethodGet, "/services/echo/1/jobs/"+env.UUID, "", "alice", nil)
	if got.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", got.StatusCode)
	}
	done := decode[types.Envelope](t, got)
	if done.Status != types.JobStatusDone {
		t.Errorf("status = %s, want DONE", done.Status)
	}
	if done.UUID != env.UUID {
		t.Errorf("uuid = %q, want %q", done.UUID, env.UUID)
	}
}

func TestGetJob_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPost, "/services/echo/1/jobs", "application/json", "alice",
		strings.NewReader(`{"async":false}`))
	env := decode[types.Envelope](t, resp)

	got := f.do(t, http.MethodGet, "/services/echo/1/jobs/"+env.UUID, "", "bob", nil)
	expectProblem(t, got, http.StatusNotFound)
}

func TestGetJob_UnknownID(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodGet, "/services/echo/1/jobs/5b0c2a4e-1111-4222-8333-944455556666", "", "", nil)
	p := expectProblem(t, resp, http.StatusNotFound)
	if p.Detail != "Unknown job" {
		t.Errorf("detail = %q, want %q", p.Detail, "Unknown job")
	}
	if p.TraceID == "" {
		t.Error("trace_id should carry the request id")
	}
}

func TestCreateJob_Errors(t *testing.T) {
	f := newFixture(t, Config{MaxRequestBytes: 64})

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		status      int
	}{
		{"unknown service", "/services/nope/1/jobs", "application/json", `{}`, http.StatusNotFound},
		{"unsupported media type", "/services/echo/1/jobs", "text/plain", `hi`, http.StatusUnsupportedMediaType},
		{"missing content type", "/services/echo/1/jobs", "", `{}`, http.StatusUnsupportedMediaType},
		{"malformed json", "/services/echo/1/jobs", "application/json", `{"a":`, http.StatusBadRequest},
		{"bad ttl", "/services/echo/1/jobs", "application/json", `{"ttl":"soon"}`, http.StatusBadRequest},
		{"too large", "/services/echo/1/jobs", "application/json", `{"text":"` + strings.Repeat("x", 128) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tt.path, tt.contentType, "", strings.NewReader(tt.body))
			expectProblem(t, resp, tt.status)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPut, "/services/echo/1/jobs", "application/json", "", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t, Config{})

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, f.ts.URL+"/healthz", nil)
	req.Header.Set(HeaderRequestID, "abc123")
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get(HeaderRequestID); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
	health := decode[map[string]string](t, resp)
	if health["version"] != types.Version {
		t.Errorf("version = %q, want %q", health["version"], types.Version)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, Config{})

	f.do(t, http.MethodPost, "/services/echo/1/jobs", "application/json", "", strings.NewReader(`{"async":false}`))

	resp := f.do(t, http.MethodGet, "/stats", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	snap := decode[metrics.Snapshot](t, resp)
	if snap.JobsCreated != 1 {
		t.Errorf("jobs created = %d, want 1", snap.JobsCreated)
	}
}

// --- streams ---

func openStream(t *testing.T, f *fixture, user, params string) StreamInfo {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/services/echo/1/streams", "application/json", user, strings.NewReader(params))
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create stream status = %d (body %s)", resp.StatusCode, body)
	}
	return decode[StreamInfo](t, resp)
}

func encodeFrames(t *testing.T, boundary string, closing bool, payloads ...string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf, boundary)
	for _, p := range payloads {
		if err := enc.WriteFrame(wire.Frame{FieldName: "data", Payload: []byte(p)}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if closing {
		if err := enc.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	return &buf
}

func readParts(t *testing.T, resp *http.Response) []stream.Result {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	var results []stream.Result
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return results
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		var r stream.Result
		if err := json.NewDecoder(part).Decode(&r); err != nil {
			t.Fatalf("decode part: %v", err)
		}
		results = append(results, r)
	}
}

func TestStream_FramesInOrder(t *testing.T) {
	f := newFixture(t, Config{})
	info := openStream(t, f, "", `{"label":"x"}`)

	if info.Input != info.URL+"/input" || info.Output != info.URL+"/output" {
		t.Errorf("info = %+v", info)
	}

	input := encodeFrames(t, "frame", true, "first", "second payload")
	resp := f.do(t, http.MethodPost, "/streams/"+info.UUID+"/input", "multipart/x-angus; boundary=frame", "", input)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("input status = %d (body %s)", resp.StatusCode, body)
	}
	in := decode[inputResult](t, resp)
	if in.Frames != 2 || !in.Terminated {
		t.Errorf("input result = %+v, want 2 frames terminated", in)
	}

	out := f.do(t, http.MethodGet, "/streams/"+info.UUID+"/output", "", "", nil)
	if out.StatusCode != http.StatusOK {
		t.Fatalf("output status = %d", out.StatusCode)
	}
	results := readParts(t, out)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Seq != i+1 {
			t.Errorf("result %d seq = %d", i, r.Seq)
		}
		if r.Error != nil {
			t.Errorf("result %d error = %+v", i, r.Error)
		}
		if r.Result["label"] != "x" {
			t.Errorf("result %d lost base parameters: %v", i, r.Result)
		}
	}
	data, _ := results[1].Result["data"].(map[string]any)
	if size, _ := data["size"].(float64); size != float64(len("second payload")) {
		t.Errorf("second frame size = %v", data["size"])
	}
}

func TestStream_InputAcrossRequests(t *testing.T) {
	f := newFixture(t, Config{})
	info := openStream(t, f, "", `{}`)
	path := "/streams/" + info.UUID + "/input"

	first := f.do(t, http.MethodPost, path, "multipart/x-angus; boundary=b1", "", encodeFrames(t, "b1", false, "one"))
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first input status = %d", first.StatusCode)
	}

	mismatch := f.do(t, http.MethodPost, path, "multipart/x-angus; boundary=b2", "", encodeFrames(t, "b2", true, "two"))
	expectProblem(t, mismatch, http.StatusConflict)

	last := f.do(t, http.MethodPost, path, "multipart/x-angus; boundary=b1", "", encodeFrames(t, "b1", true, "two"))
	if last.StatusCode != http.StatusOK {
		t.Fatalf("last input status = %d", last.StatusCode)
	}

	closed := f.do(t, http.MethodPost, path, "multipart/x-angus; boundary=b1", "", encodeFrames(t, "b1", false, "three"))
	expectProblem(t, closed, http.StatusConflict)

	results := readParts(t, f.do(t, http.MethodGet, "/streams/"+info.UUID+"/output", "", "", nil))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestStream_OversizedFrame(t *testing.T) {
	f := newFixture(t, Config{Stream: stream.Config{MaxFrameSize: 8}})
	info := openStream(t, f, "", `{}`)

	resp := f.do(t, http.MethodPost, "/streams/"+info.UUID+"/input", "multipart/x-angus; boundary=b", "",
		encodeFrames(t, "b", true, "far more than eight bytes"))
	expectProblem(t, resp, http.StatusRequestEntityTooLarge)
}

func TestStream_MissingBoundary(t *testing.T) {
	f := newFixture(t, Config{})
	info := openStream(t, f, "", `{}`)

	resp := f.do(t, http.MethodPost, "/streams/"+info.UUID+"/input", "application/octet-stream", "", strings.NewReader("x"))
	expectProblem(t, resp, http.StatusBadRequest)
}

func TestStream_GetAndDelete(t *testing.T) {
	f := newFixture(t, Config{})
	info := openStream(t, f, "alice", `{"label":"x"}`)
	path := "/streams/" + info.UUID

	expectProblem(t, f.do(t, http.MethodGet, path, "", "bob", nil), http.StatusNotFound)

	resp := f.do(t, http.MethodGet, path, "", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	got := decode[StreamInfo](t, resp)
	if got.Service != "echo" || got.Version != "1" || got.Base["label"] != "x" {
		t.Errorf("info = %+v", got)
	}
	if got.Status == nil || got.Status.Terminated {
		t.Errorf("status = %+v", got.Status)
	}

	del := f.do(t, http.MethodDelete, path, "", "alice", nil)
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", del.StatusCode)
	}
	expectProblem(t, f.do(t, http.MethodGet, path, "", "alice", nil), http.StatusNotFound)
	if n := f.srv.Streams().Len(); n != 0 {
		t.Errorf("registry len = %d, want 0", n)
	}
}

func TestStream_CreateErrors(t *testing.T) {
	f := newFixture(t, Config{})

	expectProblem(t, f.do(t, http.MethodPost, "/services/nope/1/streams", "application/json", "", strings.NewReader(`{}`)),
		http.StatusNotFound)
	expectProblem(t, f.do(t, http.MethodPost, "/services/echo/1/streams", "text/plain", "", strings.NewReader(`{}`)),
		http.StatusUnsupportedMediaType)
	expectProblem(t, f.do(t, http.MethodPost, "/services/echo/1/streams", "application/json", "", strings.NewReader(`[1]`)),
		http.StatusBadRequest)
}

func TestRunSweeper_DisabledReturns(t *testing.T) {
	f := newFixture(t, Config{})

	done := make(chan struct{})
	go func() {
		f.srv.RunSweeper(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper should return when idle expiry is disabled")
	}
}
