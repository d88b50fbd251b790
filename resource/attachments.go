package resource

import (
	"fmt"
	"io"
	"mime/multipart"

	"github.com/pithecene-io/angus/iox"
)

// Attachment is one named part of an already received multipart form.
type Attachment struct {
	// Data holds the part bytes for binary (file) parts.
	Data []byte
	// Value holds the text of a non-file field.
	Value string
	// IsFile is true for binary parts.
	IsFile bool
}

// Attachments looks up named parts for attachment:// references.
type Attachments interface {
	Lookup(name string) (Attachment, error)
}

// MapAttachments is an in-memory Attachments set.
type MapAttachments map[string]Attachment

// Lookup implements Attachments.
func (m MapAttachments) Lookup(name string) (Attachment, error) {
	a, ok := m[name]
	if !ok {
		return Attachment{}, fmt.Errorf("no part named %q", name)
	}
	return a, nil
}

// FormAttachments exposes a parsed multipart form as Attachments.
type FormAttachments struct {
	form *multipart.Form
}

// NewFormAttachments wraps form. A nil form has no attachments.
func NewFormAttachments(form *multipart.Form) *FormAttachments {
	return &FormAttachments{form: form}
}

// Lookup implements Attachments. File parts take precedence over text fields.
func (f *FormAttachments) Lookup(name string) (Attachment, error) {
	if f == nil || f.form == nil {
		return Attachment{}, fmt.Errorf("no part named %q", name)
	}

	if headers := f.form.File[name]; len(headers) > 0 {
		file, err := headers[0].Open()
		if err != nil {
			return Attachment{}, fmt.Errorf("open part %q: %w", name, err)
		}
		defer iox.DiscardClose(file)

		data, err := io.ReadAll(file)
		if err != nil {
			return Attachment{}, fmt.Errorf("read part %q: %w", name, err)
		}
		return Attachment{Data: data, IsFile: true}, nil
	}

	if values := f.form.Value[name]; len(values) > 0 {
		return Attachment{Value: values[0]}, nil
	}

	return Attachment{}, fmt.Errorf("no part named %q", name)
}
