package cmd

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/angus/adapter/webhook"
	"github.com/pithecene-io/angus/cli/config"
	"github.com/pithecene-io/angus/jobs"
	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/types"
)

func TestOutputFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range OutputFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
		}
	}
	if !hasTUI {
		t.Error("OutputFlags should include --tui flag for explicit error handling")
	}
}

func TestParseServiceRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ServiceRef
		wantErr bool
	}{
		{"checksum/1", ServiceRef{Key: "checksum", Version: "1"}, false},
		{"echo/v2", ServiceRef{Key: "echo", Version: "v2"}, false},
		{"echo", ServiceRef{}, true},
		{"/1", ServiceRef{}, true},
		{"echo/", ServiceRef{}, true},
		{"a/b/c", ServiceRef{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseServiceRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseServiceRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseServiceRef(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSubmitBody(t *testing.T) {
	tests := []struct {
		name      string
		sync      bool
		ttl       int
		ttlSet    bool
		wantAsync bool
		wantTTL   int
	}{
		{"default async shared", false, 0, false, true, types.TTLShared},
		{"sync ephemeral", true, 0, false, false, types.TTLEphemeral},
		{"explicit durable", false, 3600, true, true, 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := submitBody(`{"text":"hi"}`, tt.sync, tt.ttl, tt.ttlSet)
			if err != nil {
				t.Fatalf("submitBody: %v", err)
			}
			req, err := jobs.ParseRequest("application/json", bytes.NewReader(body), 0)
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if req.Options.Async != tt.wantAsync {
				t.Errorf("async = %v, want %v", req.Options.Async, tt.wantAsync)
			}
			if req.Options.TTL != tt.wantTTL {
				t.Errorf("ttl = %d, want %d", req.Options.TTL, tt.wantTTL)
			}
		})
	}

	if _, err := submitBody(`[1,2]`, false, 0, false); err == nil {
		t.Error("non-object --data should be rejected")
	}
}

func TestDeriveBaseURL(t *testing.T) {
	tests := map[string]string{
		":8080":          "http://localhost:8080",
		"0.0.0.0:9000":   "http://localhost:9000",
		"10.0.0.5:8080":  "http://10.0.0.5:8080",
		"[::]:8080":      "http://localhost:8080",
		"angus.internal": "http://angus.internal",
	}
	for addr, want := range tests {
		if got := deriveBaseURL(addr); got != want {
			t.Errorf("deriveBaseURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestBuildNotifier(t *testing.T) {
	n, err := buildNotifier(config.NotifyConfig{})
	if err != nil || n != nil {
		t.Fatalf("disabled notify = (%v, %v), want (nil, nil)", n, err)
	}

	n, err = buildNotifier(config.NotifyConfig{Type: config.NotifyWebhook, URL: "http://hooks.test/done"})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if _, ok := n.(*webhook.Adapter); !ok {
		t.Errorf("notifier = %T, want *webhook.Adapter", n)
	}

	mr := miniredis.RunT(t)
	n, err = buildNotifier(config.NotifyConfig{Type: config.NotifyRedis, URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	_ = n.Close()

	if _, err := buildNotifier(config.NotifyConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown notify type should fail")
	}
}

func testRecord(id string, ttl int) *types.JobRecord {
	now := time.Now().UTC()
	return &types.JobRecord{
		Envelope: types.Envelope{
			UUID:      id,
			Status:    types.JobStatusAccepted,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Service: "echo",
		Version: "1",
		Owner:   "alice",
		TTL:     ttl,
	}
}

func TestBuildStore_Tiers(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default().Storage
	cfg.Shared.RedisURL = "redis://" + mr.Addr()
	cfg.Durable.Backend = config.BackendFS
	cfg.Durable.Path = t.TempDir()

	st, err := buildStore(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	defer func() { _ = st.Close() }()

	for _, rec := range []*types.JobRecord{
		testRecord("ephemeral", types.TTLEphemeral),
		testRecord("shared", types.TTLShared),
		testRecord("durable", 3600),
	} {
		if err := st.Put(t.Context(), rec); err != nil {
			t.Fatalf("Put(%s): %v", rec.UUID, err)
		}
		got, err := st.Get(t.Context(), rec.UUID)
		if err != nil {
			t.Fatalf("Get(%s): %v", rec.UUID, err)
		}
		if got.TTL != rec.TTL {
			t.Errorf("Get(%s).TTL = %d, want %d", rec.UUID, got.TTL, rec.TTL)
		}
	}

	if !mr.Exists(cfg.Shared.KeyPrefix + "shared") {
		t.Error("ttl 0 record should be stored in redis")
	}
	if mr.Exists(cfg.Shared.KeyPrefix + "ephemeral") {
		t.Error("ttl -1 record should stay in memory")
	}
}

func TestBuildStore_RedisUnreachable(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Shared.RedisURL = "redis://127.0.0.1:1"

	if _, err := buildStore(t.Context(), cfg, nil); err == nil {
		t.Fatal("buildStore should fail when redis is unreachable")
	}
}

func TestBuildApp_ClosesTiersOnError(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Resources.TempDir = t.TempDir()
	cfg.Storage.Shared.RedisURL = "redis://" + mr.Addr()
	cfg.Notify = config.NotifyConfig{Type: config.NotifyRedis, URL: "redis://" + mr.Addr()}
	cfg.Server.BaseURL = "http://[::1"

	if _, err := buildApp(t.Context(), cfg, log.NewNop(), "test"); err == nil {
		t.Fatal("buildApp should reject an unparseable base url")
	}
	if mr.TotalConnectionCount() == 0 {
		t.Fatal("redis tier never connected")
	}

	deadline := time.Now().Add(5 * time.Second)
	for mr.CurrentConnectionCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("redis connections still open: %d", mr.CurrentConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_AgainstServer(t *testing.T) {
	cfg := config.Default()
	cfg.Resources.TempDir = t.TempDir()

	a, err := buildApp(t.Context(), cfg, log.NewNop(), "test")
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	ts := httptest.NewServer(a.server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = a.server.Shutdown(t.Context())
		a.close(log.NewNop())
	})

	client := NewClient(ts.URL, "alice:secret")
	ref := ServiceRef{Key: "echo", Version: "1"}

	body, err := submitBody(`{"text":"hi"}`, true, 0, false)
	if err != nil {
		t.Fatalf("submitBody: %v", err)
	}
	env, err := client.SubmitJob(t.Context(), ref, body)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if env.Status != types.JobStatusDone || env.Result["text"] != "hi" {
		t.Errorf("envelope = %+v", env)
	}

	got, err := client.GetJob(t.Context(), ref, env.UUID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.UUID != env.UUID {
		t.Errorf("GetJob uuid = %q, want %q", got.UUID, env.UUID)
	}

	_, err = NewClient(ts.URL, "bob").GetJob(t.Context(), ref, env.UUID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("GetJob as another owner err = %v, want 404 APIError", err)
	}
	if apiErr.Problem.Detail != "Unknown job" {
		t.Errorf("problem detail = %q", apiErr.Problem.Detail)
	}

	_, err = client.SubmitJob(t.Context(), ServiceRef{Key: "nope", Version: "1"}, body)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service err = %v, want 404 APIError", err)
	}
}
