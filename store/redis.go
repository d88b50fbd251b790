package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/angus/types"
)

// DefaultSharedExpiry is the default lifetime of shared cache records.
const DefaultSharedExpiry = 24 * time.Hour

// DefaultKeyPrefix namespaces job keys in redis.
const DefaultKeyPrefix = "angus:job:"

// RedisConfig configures the shared cache store.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Expiry is the record lifetime (default 24h).
	Expiry time.Duration
	// KeyPrefix namespaces keys (default "angus:job:").
	KeyPrefix string
}

// RedisStore keeps msgpack-encoded records in Redis with an expiry.
type RedisStore struct {
	config RedisConfig
	client *goredis.Client
}

// NewRedisStore creates a Redis-backed store from cfg.
// Returns an error if the URL is empty or invalid.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultSharedExpiry
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{config: cfg, client: goredis.NewClient(opts)}, nil
}

func (s *RedisStore) key(id string) string {
	return s.config.KeyPrefix + id
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, rec *types.JobRecord) error {
	body, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis store: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.UUID), body, s.config.Expiry).Err(); err != nil {
		return Wrap(err, "put", rec.UUID)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	body, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: err}
	}
	if err != nil {
		return nil, Wrap(err, "get", id)
	}

	var rec types.JobRecord
	if err := msgpack.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("redis store: decode record %s: %w", id, err)
	}
	return &rec, nil
}

// Flush implements Store. SET is acknowledged synchronously.
func (s *RedisStore) Flush(context.Context) error {
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return Wrap(s.client.Ping(ctx).Err(), "init", "")
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
