package apiclient

import "fmt"

// ErrorKind classifies a remote API failure. The sync engine's retry
// policy keys off this classification.
type ErrorKind int

const (
	// KindNetwork is a timeout or connection failure. Retryable.
	KindNetwork ErrorKind = iota
	// KindServerUnavailable is a 5xx-class response. Retryable.
	KindServerUnavailable
	// KindValidation is a structured client error (malformed payload).
	// Terminal; surfaced to the user for correction.
	KindValidation
	// KindAuth is an expired or invalid credential. Terminal at the item
	// level; pauses the whole drain until re-authentication.
	KindAuth
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServerUnavailable:
		return "server_unavailable"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a classified remote API failure.
type Error struct {
	Kind    ErrorKind
	Status  int    // HTTP status, 0 for transport failures
	Message string // server-provided detail, if any
	Err     error  // underlying transport error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s error (status %d)", e.Kind, e.Status)
	}
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServerUnavailable
}
