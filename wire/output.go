package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// OutputBoundary is the fixed boundary of stream output responses.
const OutputBoundary = "angus-result"

// OutputContentType is the Content-Type of stream output responses.
const OutputContentType = "multipart/mixed; boundary=" + OutputBoundary

// PartWriter writes JSON results as multipart/mixed parts.
type PartWriter struct {
	w        io.Writer
	boundary string
}

// NewPartWriter creates a part writer using OutputBoundary.
func NewPartWriter(w io.Writer) *PartWriter {
	return &PartWriter{w: w, boundary: OutputBoundary}
}

// WritePart marshals v and writes it as one application/json part.
func (p *PartWriter) WritePart(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result part: %w", err)
	}

	header := "--" + p.boundary + "\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"\r\n"
	if _, err := io.WriteString(p.w, header); err != nil {
		return err
	}
	if _, err := p.w.Write(body); err != nil {
		return err
	}
	_, err = p.w.Write(crlf)
	return err
}

// Close writes the closing boundary marker.
func (p *PartWriter) Close() error {
	_, err := io.WriteString(p.w, "--"+p.boundary+"--\r\n")
	return err
}
