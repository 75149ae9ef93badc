package label

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a LabelError.
type ErrorKind string

const (
	// KindTransport means the request never produced an HTTP response.
	KindTransport ErrorKind = "transport"
	// KindStatus means the service answered with a non-2xx status.
	KindStatus ErrorKind = "status"
	// KindMalformed means the service answered but not in the expected format.
	KindMalformed ErrorKind = "malformed"
	// KindInput means the image itself could not be read or encoded.
	KindInput ErrorKind = "input"
)

// LabelError is returned for every failed labeling call.
type LabelError struct {
	Kind       ErrorKind
	StatusCode int
	Raw        string
	Err        error
}

func (e *LabelError) Error() string {
	switch {
	case e.Kind == KindStatus && e.StatusCode > 0:
		return fmt.Sprintf("label %s (%d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Kind == KindMalformed:
		return fmt.Sprintf("label %s: %v: %q", e.Kind, e.Err, truncate(e.Raw, 200))
	default:
		return fmt.Sprintf("label %s: %v", e.Kind, e.Err)
	}
}

func (e *LabelError) Unwrap() error { return e.Err }

// KindOf returns the kind of the LabelError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var le *LabelError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsMalformed reports whether err is a malformed-response LabelError.
func IsMalformed(err error) bool {
	return KindOf(err) == KindMalformed
}

// Retryable reports whether another attempt could change the outcome.
// Only unreadable input is permanent.
func Retryable(err error) bool {
	return KindOf(err) != KindInput
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
