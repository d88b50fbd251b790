package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Encoder writes frames in the stream input format.
// It is the client-side counterpart of Decoder.
type Encoder struct {
	w        io.Writer
	boundary string
}

// NewEncoder creates an encoder writing to w with the given boundary token.
func NewEncoder(w io.Writer, boundary string) *Encoder {
	return &Encoder{w: w, boundary: boundary}
}

// WriteFrame writes one frame. A nil Parameters map is written as {}.
func (e *Encoder) WriteFrame(f Frame) error {
	field := f.FieldName
	if field == "" {
		field = DefaultDataField
	}
	params := f.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal frame parameters: %w", err)
	}

	header := "--" + e.boundary + "\r\n" +
		HeaderContentLength + ": " + strconv.Itoa(len(f.Payload)) + "\r\n" +
		HeaderDataField + ": " + field + "\r\n" +
		HeaderParameters + ": " + string(paramJSON) + "\r\n" +
		"\r\n"

	if _, err := io.WriteString(e.w, header); err != nil {
		return err
	}
	if _, err := e.w.Write(f.Payload); err != nil {
		return err
	}
	_, err = e.w.Write(crlf)
	return err
}

// Close writes the closing boundary marker. It does not close the writer.
func (e *Encoder) Close() error {
	_, err := io.WriteString(e.w, "--"+e.boundary+"--")
	return err
}
