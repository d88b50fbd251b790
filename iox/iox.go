// Package iox provides I/O helpers for releasing files and closers on every
// exit path.
package iox

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DiscardErr calls fn and discards the returned error.
// Use for cleanup calls whose errors are unactionable:
//
//	defer iox.DiscardErr(scope.Close)
func DiscardErr(fn func() error) { _ = fn() }

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DiscardRemove deletes path and discards the error.
func DiscardRemove(path string) { _ = Remove(path) }
