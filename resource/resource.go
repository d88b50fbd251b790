// Package resource resolves URI references (http, https, file, attachment)
// embedded in request payloads into local byte blobs.
//
// Resources that own a temporary file are released through a Scope:
//
//	scope := resource.NewScope()
//	defer iox.DiscardErr(scope.Close)
package resource

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/angus/iox"
)

// Supported reference prefixes.
const (
	PrefixHTTP       = "http://"
	PrefixHTTPS      = "https://"
	PrefixFile       = "file://"
	PrefixAttachment = "attachment://"
)

// IsReference reports whether s looks like a supported resource URI.
func IsReference(s string) bool {
	return strings.HasPrefix(s, PrefixHTTP) ||
		strings.HasPrefix(s, PrefixHTTPS) ||
		strings.HasPrefix(s, PrefixFile) ||
		strings.HasPrefix(s, PrefixAttachment)
}

// Resource is a lazily resolved reference to binary content.
// A Resource is owned by exactly one request or frame.
type Resource struct {
	// ID is an opaque unique identifier.
	ID string
	// Ref is the URI the resource was created from. Empty for in-memory blobs.
	Ref string

	mu        sync.Mutex
	localPath string
	data      []byte
	resolved  bool
	temp      bool // localPath is a temp file owned by this resource
	released  bool
}

// New creates an unresolved resource for ref.
func New(ref string) *Resource {
	return &Resource{ID: uuid.NewString(), Ref: ref}
}

// FromBytes creates an already resolved, memory-backed resource.
// It owns no temp file.
func FromBytes(data []byte) *Resource {
	return &Resource{ID: uuid.NewString(), data: data, resolved: true}
}

// Resolved reports whether the content is available.
func (r *Resource) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// LocalPath returns the backing file path, or "" for memory-backed resources.
func (r *Resource) LocalPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localPath
}

// Open returns a reader over the content.
func (r *Resource) Open() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.resolved {
		return nil, errors.New("resource not resolved: " + r.Ref)
	}
	if r.data != nil || r.localPath == "" {
		return io.NopCloser(bytes.NewReader(r.data)), nil
	}
	return os.Open(r.localPath)
}

// Bytes returns the full content.
func (r *Resource) Bytes() ([]byte, error) {
	r.mu.Lock()
	if r.resolved && (r.data != nil || r.localPath == "") {
		data := r.data
		r.mu.Unlock()
		return data, nil
	}
	r.mu.Unlock()

	rc, err := r.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Size returns the content length in bytes.
func (r *Resource) Size() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.resolved {
		return 0, errors.New("resource not resolved: " + r.Ref)
	}
	if r.data != nil || r.localPath == "" {
		return int64(len(r.data)), nil
	}
	info, err := os.Stat(r.localPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Release removes the temp file owned by the resource, if any.
// It is safe to call more than once.
func (r *Resource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true
	if !r.temp || r.localPath == "" {
		return nil
	}
	return iox.Remove(r.localPath)
}

// MarshalJSON describes the resource rather than embedding its content.
func (r *Resource) MarshalJSON() ([]byte, error) {
	size, _ := r.Size()
	return json.Marshal(struct {
		ID     string `json:"id"`
		Source string `json:"source,omitempty"`
		Size   int64  `json:"size"`
	}{ID: r.ID, Source: r.Ref, Size: size})
}

// setFileLocked marks the resource resolved onto a file path.
// Caller holds r.mu.
func (r *Resource) setFileLocked(path string, temp bool) {
	r.localPath = path
	r.temp = temp
	r.resolved = true
}

// Scope owns resources for the lifetime of one request or frame and
// releases all of them on Close.
type Scope struct {
	mu        sync.Mutex
	resources []*Resource
	closed    bool
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Track registers r with the scope and returns it.
// Resources tracked after Close are released immediately.
func (s *Scope) Track(r *Resource) *Resource {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = r.Release()
		return r
	}
	s.resources = append(s.resources, r)
	s.mu.Unlock()
	return r
}

// Resources returns the tracked resources in registration order.
func (s *Scope) Resources() []*Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Resource, len(s.resources))
	copy(out, s.resources)
	return out
}

// Close releases every tracked resource.
func (s *Scope) Close() error {
	s.mu.Lock()
	resources := s.resources
	s.resources = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, r := range resources {
		if err := r.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
