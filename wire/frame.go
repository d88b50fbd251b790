// Package wire implements the chunked multipart framing used by stream
// input, and the multipart/mixed framing used by stream output.
//
// Input frames have the shape:
//
//	--{boundary}\r\n
//	Content-Length: N\r\n
//	X-Angus-DataField: image\r\n
//	X-Angus-Parameters: {"k":"v"}\r\n
//	\r\n
//	<N payload bytes>\r\n
//
// and the stream ends with --{boundary}--.
package wire

import (
	"errors"
	"fmt"
	"mime"
)

// Header names recognized in a frame header block.
const (
	HeaderContentLength = "Content-Length"
	HeaderDataField     = "X-Angus-DataField"
	HeaderParameters    = "X-Angus-Parameters"
)

// DefaultDataField is the field name used when a frame omits X-Angus-DataField.
const DefaultDataField = "image"

// DefaultMaxFrameSize is the largest Content-Length accepted (16 MiB).
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Frame is one decoded unit of the stream protocol.
type Frame struct {
	// FieldName names the payload parameter.
	FieldName string
	// Parameters is the session base parameters overlaid with X-Angus-Parameters.
	Parameters map[string]any
	// Payload is exactly Content-Length bytes.
	Payload []byte
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorTooLarge indicates a Content-Length over the decoder limit.
	FrameErrorTooLarge FrameErrorKind = iota
	// FrameErrorBoundary indicates a missing or invalid boundary token.
	FrameErrorBoundary
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the input side of the stream cannot continue.
// Oversized frames are fatal: the decoder cannot resynchronize past them.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// ParseBoundary extracts the boundary parameter from a Content-Type value.
func ParseBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", &FrameError{Kind: FrameErrorBoundary, Msg: "missing content type"}
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &FrameError{Kind: FrameErrorBoundary, Msg: "invalid content type", Err: err}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", &FrameError{Kind: FrameErrorBoundary, Msg: "content type has no boundary parameter"}
	}
	return boundary, nil
}
