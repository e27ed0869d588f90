package render

import (
	"errors"
	"fmt"
)

var (
	ErrContextLost       = errors.New("render: gpu context lost")
	ErrDestroyed         = errors.New("render: session destroyed")
	ErrNotReady          = errors.New("render: session not ready")
	ErrInvalidTransition = errors.New("render: invalid status transition")
)

// ResourceError means a surface, context or GPU allocation could not be
// created. It is fatal for the operation that raised it.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("render: %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}
