package service

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/pithecene-io/angus/resource"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }

	if err := r.Register("resize", "2", fn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("resize", "2", fn); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := r.Register("", "1", fn); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := r.Lookup("resize", "2"); err != nil {
		t.Errorf("Lookup: %v", err)
	}
	if _, err := r.Lookup("resize", "3"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("Lookup(unknown) = %v, want ErrUnknownService", err)
	}
}

func TestBuiltins_Names(t *testing.T) {
	got := Builtins().Names()
	if len(got) != 2 || got[0] != "checksum/1" || got[1] != "echo/1" {
		t.Errorf("Names = %v, want [checksum/1 echo/1]", got)
	}
}

func TestInvoke_WrapsErrorsAndPanics(t *testing.T) {
	ctx := t.Context()

	_, err := Invoke(ctx, "bad/1", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}, nil)
	var ce *ComputeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ComputeError, got %T", err)
	}
	if ce.ErrorObject().Code != CodeComputeFailed {
		t.Errorf("Code = %q, want %q", ce.ErrorObject().Code, CodeComputeFailed)
	}

	_, err = Invoke(ctx, "panicky/1", func(context.Context, map[string]any) (map[string]any, error) {
		panic("kaboom")
	}, nil)
	if !errors.As(err, &ce) || ce.Stack == nil {
		t.Fatalf("expected *ComputeError with stack, got %v", err)
	}

	res, err := Invoke(ctx, "nil/1", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	}, nil)
	if err != nil || res == nil {
		t.Errorf("Invoke nil result = %v, %v; want empty map", res, err)
	}
}

func TestEcho_DescribesResources(t *testing.T) {
	params := map[string]any{
		"name":  "cat",
		"image": resource.FromBytes([]byte("HELLO")),
		"more":  []any{float64(1), resource.FromBytes([]byte("ab"))},
	}
	out, err := Echo(t.Context(), params)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out["name"] != "cat" {
		t.Errorf("name = %v", out["name"])
	}
	img, ok := out["image"].(map[string]any)
	if !ok || img["size"] != int64(5) {
		t.Errorf("image = %v, want size 5", out["image"])
	}
	more := out["more"].([]any)
	if d, ok := more[1].(map[string]any); !ok || d["size"] != int64(2) {
		t.Errorf("more[1] = %v", more[1])
	}
}

func TestChecksum(t *testing.T) {
	params := map[string]any{
		"image": resource.FromBytes([]byte("HELLO")),
		"nested": map[string]any{
			"list": []any{resource.FromBytes([]byte("x"))},
		},
	}
	out, err := Checksum(t.Context(), params)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if out["count"] != 2 {
		t.Errorf("count = %v, want 2", out["count"])
	}

	sum := blake3.Sum256([]byte("HELLO"))
	want := hex.EncodeToString(sum[:])
	digests := out["digests"].(map[string]any)
	img := digests["image"].(map[string]any)
	if img["blake3"] != want {
		t.Errorf("image blake3 = %v, want %s", img["blake3"], want)
	}
	if _, ok := digests["nested.list[0]"]; !ok {
		t.Errorf("missing nested.list[0] in %v", digests)
	}

	if _, err := Checksum(t.Context(), map[string]any{"a": "b"}); err == nil {
		t.Error("expected error without resources")
	}
}
