package resource

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/angus/types"
)

// Resolution error codes, embedded in {error:{code,message}} objects.
const (
	CodeFetchFailed       = "fetch_failed"
	CodeFetchStatus       = "fetch_status"
	CodeFetchTooLarge     = "fetch_too_large"
	CodeAttachmentMissing = "attachment_missing"
	CodeUnsupportedScheme = "unsupported_scheme"
	CodeIO                = "io_error"
)

// ResolutionError reports a reference that could not be resolved.
// It is scoped to one unit of work and never fatal to the process.
type ResolutionError struct {
	Ref  string
	Code string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Ref, e.Code, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Ref, e.Code)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ErrorObject converts the error into its embedded wire form.
func (e *ResolutionError) ErrorObject() *types.ErrorObject {
	return &types.ErrorObject{Code: e.Code, Message: e.Error()}
}

// IsResolutionError returns true if err is a ResolutionError.
func IsResolutionError(err error) bool {
	var resErr *ResolutionError
	return errors.As(err, &resErr)
}
