package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"strconv"
	"testing"
)

func TestPartWriter_ReadableAsMultipartMixed(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPartWriter(&buf)

	results := []map[string]any{
		{"label": "cat"},
		{"error": map[string]any{"code": "compute_failed", "message": "boom"}},
	}
	for _, r := range results {
		if err := pw.WritePart(r); err != nil {
			t.Fatalf("WritePart failed: %v", err)
		}
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mr := multipart.NewReader(&buf, OutputBoundary)
	for i, want := range results {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: NextPart failed: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("part %d: Content-Type = %q, want application/json", i, ct)
		}
		body, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("part %d: read failed: %v", i, err)
		}
		if cl := part.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
			t.Errorf("part %d: Content-Length = %s, want %d", i, cl, len(body))
		}
		wantBody, _ := json.Marshal(want)
		if !bytes.Equal(body, wantBody) {
			t.Errorf("part %d: body = %s, want %s", i, body, wantBody)
		}
	}
	if _, err := mr.NextPart(); err != io.EOF {
		t.Errorf("after last part: err = %v, want io.EOF", err)
	}
}
