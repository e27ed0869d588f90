// Package assets resolves puppet descriptors and fetches the data they
// point at.
package assets

import (
	"errors"
	"fmt"
)

var ErrUnknownModel = errors.New("assets: unknown model")

// FetchError is raised when a descriptor, mesh or texture cannot be
// fetched or decoded. The load that hit it is aborted.
type FetchError struct {
	Model string
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("fetch %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Model, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err carries a *FetchError.
func IsFetchError(err error) bool {
	var ferr *FetchError
	return errors.As(err, &ferr)
}
