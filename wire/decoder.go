package wire

import (
	"bytes"
	"encoding/json"
	"net/textproto"
	"strconv"
	"strings"
)

var (
	crlf       = []byte("\r\n")
	headerTerm = []byte("\r\n\r\n")
)

// Decoder incrementally decodes frames from an append-only byte buffer.
//
// Bytes are consumed only once a complete header and its full payload are
// buffered, so a frame split across any number of Feed calls decodes to the
// same Frame as one delivered whole. A Decoder is not safe for concurrent
// use; callers serialize Feed.
type Decoder struct {
	open  []byte // --boundary\r\n
	close []byte // --boundary--

	base         map[string]any
	maxFrameSize int

	buf        []byte
	terminated bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize overrides DefaultMaxFrameSize. Non-positive values are ignored.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrameSize = n
		}
	}
}

// NewDecoder creates a decoder for the given boundary token.
// base is merged beneath every frame's X-Angus-Parameters.
func NewDecoder(boundary string, base map[string]any, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		open:         []byte("--" + boundary + "\r\n"),
		close:        []byte("--" + boundary + "--"),
		base:         base,
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Terminated reports whether the closing boundary has been decoded.
func (d *Decoder) Terminated() bool {
	return d.terminated
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk to the buffer and decodes every complete frame in it,
// in order. It returns the decoded frames; terminated is true once the
// closing boundary has been seen. Bytes fed after termination are ignored.
//
// A fatal *FrameError leaves the buffer untouched; frames decoded before the
// failing header are still returned.
func (d *Decoder) Feed(chunk []byte) (frames []Frame, err error) {
	if d.terminated {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	for {
		frame, ok, err := d.next()
		if err != nil {
			return frames, err
		}
		if !ok {
			break
		}
		frames = append(frames, frame)
	}

	if len(frames) > 0 {
		d.compact()
	}
	return frames, nil
}

// next decodes a single frame. ok is false when more input is required or
// the stream has terminated.
func (d *Decoder) next() (Frame, bool, error) {
	if d.terminated {
		return Frame{}, false, nil
	}

	// The CRLF closing the previous payload may arrive after the payload itself.
	if bytes.HasPrefix(d.buf, crlf) {
		d.buf = d.buf[len(crlf):]
	}

	if bytes.HasPrefix(d.buf, d.close) {
		d.terminated = true
		d.buf = nil
		return Frame{}, false, nil
	}

	start := bytes.Index(d.buf, d.open)
	if start < 0 {
		return Frame{}, false, nil
	}
	headerStart := start + len(d.open)

	// Search from the marker's own CRLF so an empty header block is found.
	rel := bytes.Index(d.buf[headerStart-len(crlf):], headerTerm)
	if rel < 0 {
		return Frame{}, false, nil
	}
	termAt := headerStart - len(crlf) + rel
	headerEnd := max(termAt, headerStart)
	bodyStart := termAt + len(headerTerm)

	h := parseHeader(d.buf[headerStart:headerEnd])
	if h.contentLength > d.maxFrameSize {
		return Frame{}, false, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  "frame content length " + strconv.Itoa(h.contentLength) + " exceeds maximum " + strconv.Itoa(d.maxFrameSize),
		}
	}

	// Not enough payload yet: leave header and markers in place.
	if len(d.buf)-bodyStart < h.contentLength {
		return Frame{}, false, nil
	}

	bodyEnd := bodyStart + h.contentLength
	payload := bytes.Clone(d.buf[bodyStart:bodyEnd])

	consumed := bodyEnd
	if bytes.HasPrefix(d.buf[bodyEnd:], crlf) {
		consumed += len(crlf)
	}
	d.buf = d.buf[consumed:]

	return Frame{
		FieldName:  h.dataField,
		Parameters: mergeParameters(d.base, h.parameters),
		Payload:    payload,
	}, true, nil
}

// compact releases the consumed prefix of the buffer's backing array.
func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	d.buf = bytes.Clone(d.buf)
}

type frameHeader struct {
	contentLength int
	dataField     string
	parameters    map[string]any
}

var (
	keyContentLength = textproto.CanonicalMIMEHeaderKey(HeaderContentLength)
	keyDataField     = textproto.CanonicalMIMEHeaderKey(HeaderDataField)
	keyParameters    = textproto.CanonicalMIMEHeaderKey(HeaderParameters)
)

// parseHeader reads the narrow header set used by the protocol.
// Unparsable values fall back to their defaults.
func parseHeader(block []byte) frameHeader {
	h := frameHeader{
		dataField:  DefaultDataField,
		parameters: map[string]any{},
	}

	for _, line := range strings.Split(string(block), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)) {
		case keyContentLength:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				n = 0
			}
			h.contentLength = n
		case keyDataField:
			if value != "" {
				h.dataField = value
			}
		case keyParameters:
			var params map[string]any
			if err := json.Unmarshal([]byte(value), &params); err == nil && params != nil {
				h.parameters = params
			}
		}
	}

	return h
}

// mergeParameters overlays frame parameters on a copy of base.
func mergeParameters(base, frame map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(frame))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range frame {
		merged[k] = v
	}
	return merged
}
