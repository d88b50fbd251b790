package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "angus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("ANGUS_REDIS", "redis://cache:6379/1")
	path := writeTemp(t, `server:
  addr: 127.0.0.1:9000
  base_url: https://angus.example.com
  max_request_bytes: 1048576
  shutdown_timeout: 5s

resources:
  fetch_timeout: 2s
  insecure_skip_verify: true
  temp_dir: /var/tmp/angus
  max_fetch_bytes: 1000
  concurrency: 4

storage:
  memory:
    retention: 10m
  shared:
    redis_url: ${ANGUS_REDIS}
    expiry: 1h
    key_prefix: "jobs:"
  durable:
    backend: s3
    path: my-bucket/angus
    region: us-east-1
    endpoint: https://r2.example.com
    s3_path_style: true
    dataset: results

stream:
  queue_size: 8
  idle_timeout: 90s
  max_frame_bytes: 4096
  read_chunk_bytes: 512

notify:
  type: webhook
  url: https://hooks.example.com/angus
  headers:
    Authorization: Bearer token123
  timeout: 3s
  retries: 2

log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.BaseURL != "https://angus.example.com" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout.Duration != 5*time.Second {
		t.Errorf("shutdown_timeout = %v, want 5s", cfg.Server.ShutdownTimeout)
	}
	if !cfg.Resources.InsecureSkipVerify || cfg.Resources.FetchTimeout.Duration != 2*time.Second {
		t.Errorf("resources = %+v", cfg.Resources)
	}
	if cfg.Storage.Shared.RedisURL != "redis://cache:6379/1" {
		t.Errorf("redis_url = %q, want env-expanded value", cfg.Storage.Shared.RedisURL)
	}
	if cfg.Storage.Shared.KeyPrefix != "jobs:" || cfg.Storage.Shared.Expiry.Duration != time.Hour {
		t.Errorf("shared = %+v", cfg.Storage.Shared)
	}
	d := cfg.Storage.Durable
	if d.Backend != BackendS3 || d.Path != "my-bucket/angus" || !d.S3PathStyle || d.Dataset != "results" {
		t.Errorf("durable = %+v", d)
	}
	if cfg.Stream.QueueSize != 8 || cfg.Stream.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Notify.Type != NotifyWebhook || cfg.Notify.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Notify.Retries == nil || *cfg.Notify.Retries != 2 {
		t.Errorf("notify.retries = %v, want 2", cfg.Notify.Retries)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, "server:\n  addr: :9999\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != def.Server.ShutdownTimeout {
		t.Errorf("shutdown_timeout = %v, want default %v", cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)
	}
	if cfg.Stream.QueueSize != def.Stream.QueueSize {
		t.Errorf("queue_size = %d, want %d", cfg.Stream.QueueSize, def.Stream.QueueSize)
	}
	if cfg.Stream.IdleTimeout.Duration != 0 {
		t.Errorf("idle_timeout = %v, want disabled", cfg.Stream.IdleTimeout)
	}
	if cfg.Resources.InsecureSkipVerify {
		t.Error("insecure_skip_verify must default to false")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "server: [", "invalid YAML"},
		{"bad duration", "server:\n  shutdown_timeout: soon\n", "invalid duration"},
		{"bad backend", "storage:\n  durable:\n    backend: tape\n", "storage.durable.backend"},
		{"backend without path", "storage:\n  durable:\n    backend: fs\n", "storage.durable.path"},
		{"bad notify type", "notify:\n  type: carrier-pigeon\n", "notify.type"},
		{"notify without url", "notify:\n  type: redis\n", "notify.url"},
		{"negative retries", "notify:\n  type: webhook\n  url: http://x\n  retries: -1\n", "notify.retries"},
		{"zero queue", "stream:\n  queue_size: 0\n", "stream.queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
