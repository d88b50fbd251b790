package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/pithecene-io/angus/types"
)

// RecordKindJob discriminates job records in the durable dataset.
const RecordKindJob = "job"

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "angus"

// DurableConfig configures the durable store.
type DurableConfig struct {
	// Dataset is the Lode dataset ID (default "angus").
	Dataset string
}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// jobRow is the on-disk form of a job record. Partition keys day and
// job_id drive the Hive layout.
type jobRow struct {
	RecordKind string             `json:"record_kind"`
	JobID      string             `json:"job_id"`
	Day        string             `json:"day"`
	ExpiresAt  time.Time          `json:"expires_at"`
	URL        string             `json:"url"`
	Status     types.JobStatus    `json:"status"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      *types.ErrorObject `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Service    string             `json:"service"`
	Version    string             `json:"version"`
	Owner      string             `json:"owner"`
	TTL        int                `json:"ttl"`
}

func toRow(rec *types.JobRecord) jobRow {
	return jobRow{
		RecordKind: RecordKindJob,
		JobID:      rec.UUID,
		Day:        rec.CreatedAt.UTC().Format("2006-01-02"),
		ExpiresAt:  rec.CreatedAt.Add(time.Duration(rec.TTL) * time.Second),
		URL:        rec.URL,
		Status:     rec.Status,
		Result:     rec.Result,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		Service:    rec.Service,
		Version:    rec.Version,
		Owner:      rec.Owner,
		TTL:        rec.TTL,
	}
}

func (r jobRow) record() *types.JobRecord {
	return &types.JobRecord{
		Envelope: types.Envelope{
			URL:       r.URL,
			UUID:      r.JobID,
			Status:    r.Status,
			Result:    r.Result,
			Error:     r.Error,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		},
		Service: r.Service,
		Version: r.Version,
		Owner:   r.Owner,
		TTL:     r.TTL,
	}
}

// DurableStore persists records as JSONL snapshots in a Lode dataset.
// Every Put appends a snapshot; Get returns the newest row for a job.
// Rows past their expires_at are treated as absent.
type DurableStore struct {
	dataset lode.Dataset
	config  DurableConfig
	now     func() time.Time

	mu sync.Mutex // serializes writes so snapshot order follows Put order
}

// NewDurableStore creates a durable store with filesystem storage rooted
// at root.
func NewDurableStore(cfg DurableConfig, root string) (*DurableStore, error) {
	return NewDurableStoreWithFactory(cfg, lode.NewFSFactory(root))
}

// NewDurableStoreWithFactory creates a durable store with a custom store
// factory. Use lode.NewMemoryFactory() for testing.
func NewDurableStoreWithFactory(cfg DurableConfig, factory lode.StoreFactory) (*DurableStore, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Dataset),
		factory,
		lode.WithHiveLayout("day", "job_id"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, Wrap(err, "init", cfg.Dataset)
	}
	return &DurableStore{dataset: ds, config: cfg, now: time.Now}, nil
}

// NewDurableS3Store creates a durable store on S3.
// Uses the AWS SDK default credential chain (env vars, shared config, IAM role).
func NewDurableS3Store(ctx context.Context, cfg DurableConfig, s3cfg S3Config) (*DurableStore, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}
	return NewDurableStoreWithFactory(cfg, factory)
}

// Put implements Store.
func (s *DurableStore) Put(ctx context.Context, rec *types.JobRecord) error {
	row, err := rowMap(toRow(rec))
	if err != nil {
		return fmt.Errorf("durable store: encode record %s: %w", rec.UUID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dataset.Write(ctx, []any{row}, lode.Metadata{}); err != nil {
		return Wrap(err, "put", rec.UUID)
	}
	return nil
}

// Get implements Store. Snapshots are scanned newest first; the manifest
// path is a coarse filter and the row's job_id is authoritative.
func (s *DurableStore) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		if errors.Is(classifyError(err), ErrNotFound) {
			return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: err}
		}
		return nil, Wrap(err, "get", id)
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasJob(snap, id) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, Wrap(err, "get", id)
		}
		for j := len(data) - 1; j >= 0; j-- {
			row, ok := decodeRow(data[j])
			if !ok || row.RecordKind != RecordKindJob || row.JobID != id {
				continue
			}
			if s.now().After(row.ExpiresAt) {
				return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: errors.New("record expired")}
			}
			return row.record(), nil
		}
	}
	return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: id, Err: ErrNotFound}
}

// Flush implements Store. Each Put commits its own snapshot.
func (s *DurableStore) Flush(context.Context) error {
	return nil
}

// Close implements Store.
func (s *DurableStore) Close() error {
	return nil
}

// rowMap converts a row to the generic map shape the JSONL codec writes.
func rowMap(row jobRow) (map[string]any, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeRow(item any) (jobRow, bool) {
	b, err := json.Marshal(item)
	if err != nil {
		return jobRow{}, false
	}
	var row jobRow
	if err := json.Unmarshal(b, &row); err != nil {
		return jobRow{}, false
	}
	return row, true
}

func snapshotHasJob(snap *lode.DatasetSnapshot, id string) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, "job_id", id) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment, so job_id=a does not match job_id=ab.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
