package jobs

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"

	"github.com/pithecene-io/angus/resource"
	"github.com/pithecene-io/angus/types"
)

// MetaField is the multipart form field carrying the JSON request.
const MetaField = "meta"

// DefaultMaxMemory is the in-memory budget for multipart parts; larger
// parts spill to temp files.
const DefaultMaxMemory = 32 << 20

// Option keys read from the top level of the request object. They are
// removed from the payload passed to compute.
const (
	OptionAsync = "async"
	OptionTTL   = "ttl"
)

// Options control dispatch and retention.
type Options struct {
	// Async returns before compute runs (default true).
	Async bool
	// TTL selects the storage tier; see types.TTLEphemeral and types.TTLShared.
	TTL int
}

// Request is a parsed job creation request.
type Request struct {
	Options
	// Payload is the request object minus option keys.
	Payload resource.Value
	// Attachments resolves attachment:// references. Nil for JSON bodies.
	Attachments resource.Attachments
	// Token is sent as the Authorization header on resource fetches.
	Token string
	// Owner tags the stored record.
	Owner string

	form *multipart.Form
}

// Close removes temp files backing multipart parts.
func (r *Request) Close() error {
	if r.form == nil {
		return nil
	}
	return r.form.RemoveAll()
}

// ParseRequest reads a JSON or multipart/form-data job request. A
// multipart body must carry the JSON object in its "meta" field; other
// parts are available as attachments.
func ParseRequest(contentType string, body io.Reader, maxMemory int64) (*Request, error) {
	if contentType == "" {
		return nil, &ValidationError{Unsupported: true, Msg: "missing Content-Type"}
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ValidationError{Unsupported: true, Msg: "invalid Content-Type", Err: err}
	}
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemory
	}

	switch mediaType {
	case "application/json":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, &ValidationError{Msg: "read body", Err: err}
		}
		return newRequest(data, nil)

	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, &ValidationError{Msg: "multipart body has no boundary"}
		}
		form, err := multipart.NewReader(body, boundary).ReadForm(maxMemory)
		if err != nil {
			return nil, &ValidationError{Msg: "read multipart body", Err: err}
		}
		meta := form.Value[MetaField]
		if len(meta) == 0 {
			_ = form.RemoveAll()
			return nil, &ValidationError{Msg: "multipart body has no meta field"}
		}
		req, err := newRequest([]byte(meta[0]), form)
		if err != nil {
			_ = form.RemoveAll()
			return nil, err
		}
		return req, nil

	default:
		return nil, &ValidationError{Unsupported: true, Msg: "unsupported Content-Type " + mediaType}
	}
}

func newRequest(data []byte, form *multipart.Form) (*Request, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	v, err := resource.Parse(data)
	if err != nil {
		return nil, &ValidationError{Msg: "invalid JSON", Err: err}
	}
	if v.Kind() != resource.KindObject {
		return nil, &ValidationError{Msg: "request must be a JSON object"}
	}

	opts, err := parseOptions(v)
	if err != nil {
		return nil, err
	}

	payload := v.Map()
	delete(payload, OptionAsync)
	delete(payload, OptionTTL)
	pv, err := resource.FromAny(payload)
	if err != nil {
		return nil, &ValidationError{Msg: "invalid payload", Err: err}
	}

	req := &Request{Options: opts, Payload: pv, form: form}
	if form != nil {
		req.Attachments = resource.NewFormAttachments(form)
	}
	return req, nil
}

func parseOptions(v resource.Value) (Options, error) {
	opts := Options{Async: true, TTL: types.TTLEphemeral}

	if f, ok := v.Field(OptionAsync); ok && f.Kind() != resource.KindNull {
		b, ok := f.Any().(bool)
		if !ok {
			return opts, &ValidationError{Msg: "async must be a boolean"}
		}
		opts.Async = b
	}
	if f, ok := v.Field(OptionTTL); ok && f.Kind() != resource.KindNull {
		n, ok := f.Any().(float64)
		if !ok || n != float64(int(n)) {
			return opts, &ValidationError{Msg: "ttl must be an integer"}
		}
		opts.TTL = int(n)
	}

	// Async jobs are never ephemeral.
	if opts.Async && opts.TTL <= 0 {
		opts.TTL = types.TTLShared
	}
	return opts, nil
}

// MarshalOptions renders a request object for clients.
func MarshalOptions(payload map[string]any, opts Options) ([]byte, error) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body[OptionAsync] = opts.Async
	body[OptionTTL] = opts.TTL
	return json.Marshal(body)
}
