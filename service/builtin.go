package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/pithecene-io/angus/resource"
)

// Builtins returns a registry holding echo/1 and checksum/1.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register("echo", "1", Echo)
	_ = r.Register("checksum", "1", Checksum)
	return r
}

// Echo returns params unchanged, with each resource replaced by a
// {source, size} description.
func Echo(_ context.Context, params map[string]any) (map[string]any, error) {
	out, err := describe(params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func describe(v any) (any, error) {
	switch val := v.(type) {
	case *resource.Resource:
		size, err := val.Size()
		if err != nil {
			return nil, err
		}
		return map[string]any{"source": val.Ref, "size": size}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			d, err := describe(item)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			d, err := describe(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

// Checksum computes a BLAKE3 digest of every resource in params.
// The result maps each resource's parameter path to {blake3, size}.
func Checksum(ctx context.Context, params map[string]any) (map[string]any, error) {
	found := make(map[string]*resource.Resource)
	collect("", params, found)
	if len(found) == 0 {
		return nil, fmt.Errorf("no resources in parameters")
	}

	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	digests := make(map[string]any, len(found))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, size, err := digest(found[p])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		digests[p] = map[string]any{"blake3": sum, "size": size}
	}
	return map[string]any{"digests": digests, "count": len(found)}, nil
}

func digest(res *resource.Resource) (string, int64, error) {
	rc, err := res.Open()
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = rc.Close() }()

	h := blake3.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// collect records resources keyed by dotted path; array items use [i].
func collect(path string, v any, out map[string]*resource.Resource) {
	switch val := v.(type) {
	case *resource.Resource:
		out[path] = val
	case map[string]any:
		for k, item := range val {
			child := k
			if path != "" {
				child = path + "." + k
			}
			collect(child, item, out)
		}
	case []any:
		for i, item := range val {
			collect(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	}
}
