package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents an angus.yaml configuration file.
// CLI flags override values loaded from the file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Resources ResourcesConfig `yaml:"resources"`
	Storage   StorageConfig   `yaml:"storage"`
	Stream    StreamConfig    `yaml:"stream"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL prefixes URLs returned to clients. Empty derives it from Addr.
	BaseURL         string   `yaml:"base_url"`
	MaxRequestBytes int64    `yaml:"max_request_bytes"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ResourcesConfig configures resource resolution.
type ResourcesConfig struct {
	FetchTimeout       Duration `yaml:"fetch_timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	TempDir            string   `yaml:"temp_dir"`
	MaxFetchBytes      int64    `yaml:"max_fetch_bytes"`
	Concurrency        int      `yaml:"concurrency"`
}

// StorageConfig holds one section per TTL tier.
type StorageConfig struct {
	Memory  MemoryStorageConfig  `yaml:"memory"`
	Shared  SharedStorageConfig  `yaml:"shared"`
	Durable DurableStorageConfig `yaml:"durable"`
}

// MemoryStorageConfig configures ephemeral (ttl -1) records.
type MemoryStorageConfig struct {
	Retention Duration `yaml:"retention"`
}

// SharedStorageConfig configures the redis tier (ttl 0). An empty
// RedisURL disables it.
type SharedStorageConfig struct {
	RedisURL  string   `yaml:"redis_url"`
	Expiry    Duration `yaml:"expiry"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// DurableStorageConfig configures the lode tier (ttl > 0). An empty
// Backend disables it.
type DurableStorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	Dataset     string `yaml:"dataset"`
}

// StreamConfig bounds stream sessions.
type StreamConfig struct {
	QueueSize int `yaml:"queue_size"`
	// IdleTimeout expires sessions with no activity. Zero disables expiry.
	IdleTimeout    Duration `yaml:"idle_timeout"`
	MaxFrameBytes  int      `yaml:"max_frame_bytes"`
	ReadChunkBytes int      `yaml:"read_chunk_bytes"`
}

// NotifyConfig selects a job completion adapter. An empty Type disables
// notifications.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Storage backends and notify types.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	NotifyNone = ""

	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxRequestBytes: 64 << 20,
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Resources: ResourcesConfig{
			FetchTimeout: Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Memory: MemoryStorageConfig{Retention: Duration{time.Hour}},
			Shared: SharedStorageConfig{Expiry: Duration{24 * time.Hour}, KeyPrefix: "angus:job:"},
			Durable: DurableStorageConfig{
				Dataset: "angus",
			},
		},
		Stream: StreamConfig{
			QueueSize:      64,
			MaxFrameBytes:  16 << 20,
			ReadChunkBytes: 32 << 10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxRequestBytes < 0 {
		errs = append(errs, errors.New("server.max_request_bytes must be >= 0"))
	}
	if c.Resources.MaxFetchBytes < 0 {
		errs = append(errs, errors.New("resources.max_fetch_bytes must be >= 0"))
	}
	if c.Resources.Concurrency < 0 {
		errs = append(errs, errors.New("resources.concurrency must be >= 0"))
	}

	switch c.Storage.Durable.Backend {
	case "":
	case BackendFS, BackendS3:
		if c.Storage.Durable.Path == "" {
			errs = append(errs, fmt.Errorf("storage.durable.path is required for backend %q", c.Storage.Durable.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.durable.backend must be %q or %q, got %q", BackendFS, BackendS3, c.Storage.Durable.Backend))
	}

	if c.Stream.QueueSize < 1 {
		errs = append(errs, errors.New("stream.queue_size must be >= 1"))
	}
	if c.Stream.MaxFrameBytes < 1 {
		errs = append(errs, errors.New("stream.max_frame_bytes must be >= 1"))
	}
	if c.Stream.ReadChunkBytes < 1 {
		errs = append(errs, errors.New("stream.read_chunk_bytes must be >= 1"))
	}
	if c.Stream.IdleTimeout.Duration < 0 {
		errs = append(errs, errors.New("stream.idle_timeout must be >= 0"))
	}

	switch c.Notify.Type {
	case NotifyNone:
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			errs = append(errs, fmt.Errorf("notify.url is required for type %q", c.Notify.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.type must be %q or %q, got %q", NotifyWebhook, NotifyRedis, c.Notify.Type))
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		errs = append(errs, errors.New("notify.retries must be >= 0"))
	}

	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
