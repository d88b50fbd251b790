package resource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/angus/iox"
	"github.com/pithecene-io/angus/log"
	"github.com/pithecene-io/angus/metrics"
)

// DefaultFetchTimeout bounds a single network fetch.
const DefaultFetchTimeout = 30 * time.Second

// Config configures a Resolver.
type Config struct {
	// FetchTimeout bounds each http(s) fetch (default 30s).
	FetchTimeout time.Duration
	// InsecureSkipVerify disables TLS certificate validation for fetches.
	// Off unless explicitly configured.
	InsecureSkipVerify bool
	// TempDir is where fetched and attached content is written.
	// Empty uses os.TempDir().
	TempDir string
	// MaxFetchBytes caps a fetched body. Zero means unlimited.
	MaxFetchBytes int64
	// Concurrency caps parallel resolutions in ResolveAll. Zero means unlimited.
	Concurrency int
}

// Resolver turns references into local content.
//
// A Resolver is shared across requests; ForRequest derives a copy carrying
// the caller's token and the request's attachments.
type Resolver struct {
	config      Config
	client      *http.Client
	logger      *log.Logger
	collector   *metrics.Collector
	token       string
	attachments Attachments
}

// NewResolver creates a resolver. logger and collector may be nil.
func NewResolver(cfg Config, logger *log.Logger, collector *metrics.Collector) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}

	return &Resolver{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.FetchTimeout, Transport: transport},
		logger:    logger,
		collector: collector,
	}
}

// ForRequest returns a resolver that sends token as the Authorization header
// on fetches and resolves attachment:// references against attachments.
func (r *Resolver) ForRequest(token string, attachments Attachments) *Resolver {
	clone := *r
	clone.token = token
	clone.attachments = attachments
	return &clone
}

// Resolve makes res's content available locally. Resolving an already
// resolved resource is a no-op.
//
// Errors are *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, res *Resource) error {
	res.mu.Lock()
	defer res.mu.Unlock()

	if res.resolved {
		return nil
	}
	if res.released {
		return &ResolutionError{Ref: res.Ref, Code: CodeIO, Err: errors.New("resource already released")}
	}

	err := r.resolveLocked(ctx, res)
	if err != nil {
		r.collector.IncResolveFailure()
		r.logger.Warn("resource resolution failed", map[string]any{
			"resource_id": res.ID,
			"ref":         res.Ref,
			"error":       err.Error(),
		})
		return err
	}
	r.collector.IncResolved()
	return nil
}

// ResolveAll resolves every resource concurrently and returns the first error.
func (r *Resolver) ResolveAll(ctx context.Context, resources []*Resource) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.config.Concurrency > 0 {
		g.SetLimit(r.config.Concurrency)
	}
	for _, res := range resources {
		g.Go(func() error {
			return r.Resolve(gctx, res)
		})
	}
	return g.Wait()
}

func (r *Resolver) resolveLocked(ctx context.Context, res *Resource) error {
	ref := res.Ref
	switch {
	case strings.HasPrefix(ref, PrefixHTTP), strings.HasPrefix(ref, PrefixHTTPS):
		path, err := r.fetch(ctx, ref)
		if err != nil {
			return err
		}
		res.setFileLocked(path, true)
		return nil

	case strings.HasPrefix(ref, PrefixFile):
		res.setFileLocked(strings.TrimPrefix(ref, PrefixFile), false)
		return nil

	case strings.HasPrefix(ref, PrefixAttachment):
		return r.resolveAttachmentLocked(res)

	default:
		return &ResolutionError{Ref: ref, Code: CodeUnsupportedScheme}
	}
}

func (r *Resolver) resolveAttachmentLocked(res *Resource) error {
	name := strings.TrimPrefix(res.Ref, PrefixAttachment)
	if r.attachments == nil {
		return &ResolutionError{Ref: res.Ref, Code: CodeAttachmentMissing, Err: errors.New("request has no attachments")}
	}

	part, err := r.attachments.Lookup(name)
	if err != nil {
		return &ResolutionError{Ref: res.Ref, Code: CodeAttachmentMissing, Err: err}
	}

	// A text field may point at a local file instead of carrying content.
	if !part.IsFile && strings.HasPrefix(part.Value, PrefixFile) {
		res.setFileLocked(strings.TrimPrefix(part.Value, PrefixFile), false)
		return nil
	}

	data := part.Data
	if !part.IsFile {
		data = []byte(part.Value)
	}

	path, err := r.writeTemp(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return &ResolutionError{Ref: res.Ref, Code: CodeIO, Err: err}
	}
	res.setFileLocked(path, true)
	res.data = data
	return nil
}

// fetch downloads ref into a fresh temp file and returns its path.
func (r *Resolver) fetch(ctx context.Context, ref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", &ResolutionError{Ref: ref, Code: CodeFetchFailed, Err: err}
	}
	if r.token != "" {
		req.Header.Set("Authorization", r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &ResolutionError{Ref: ref, Code: CodeFetchFailed, Err: err}
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &ResolutionError{Ref: ref, Code: CodeFetchStatus, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body io.Reader = resp.Body
	if r.config.MaxFetchBytes > 0 {
		body = io.LimitReader(resp.Body, r.config.MaxFetchBytes+1)
	}

	var written int64
	path, err := r.writeTemp(func(w io.Writer) error {
		n, err := io.Copy(w, body)
		written = n
		if err != nil {
			return err
		}
		if r.config.MaxFetchBytes > 0 && n > r.config.MaxFetchBytes {
			return errTooLarge
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return "", &ResolutionError{Ref: ref, Code: CodeFetchTooLarge, Err: fmt.Errorf("body exceeds %d bytes", r.config.MaxFetchBytes)}
		}
		return "", &ResolutionError{Ref: ref, Code: CodeFetchFailed, Err: err}
	}

	r.logger.Debug("resource fetched", map[string]any{"ref": ref, "bytes": written})
	return path, nil
}

var errTooLarge = errors.New("content too large")

// writeTemp creates a process-unique temp file, fills it with fill and
// returns its path. The file is removed if fill fails.
func (r *Resolver) writeTemp(fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(r.config.TempDir, "angus-resource-*")
	if err != nil {
		return "", err
	}
	path := f.Name()

	if err := fill(f); err != nil {
		iox.DiscardClose(f)
		iox.DiscardRemove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		iox.DiscardRemove(path)
		return "", err
	}
	return path, nil
}
