// Package platform holds errors shared by the adapters that wrap host facilities
// (message broker, pub/sub broadcast).
package platform

import (
	"errors"
	"fmt"
)

// UnsupportedError reports that a host facility is not available. Callers log it and
// fall back to manual and connectivity-triggered sync.
type UnsupportedError struct {
	Facility string
	Err      error
}

func (e *UnsupportedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: not supported on this host", e.Facility)
	}
	return fmt.Sprintf("%s: not supported on this host: %v", e.Facility, e.Err)
}

func (e *UnsupportedError) Unwrap() error { return e.Err }

// IsUnsupported reports whether err is, or wraps, an UnsupportedError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}
