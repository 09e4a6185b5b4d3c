package detection

import "errors"

// The service-level error taxonomy. Handlers map these to status codes with
// errors.Is and need nothing deeper. Degradation of the external analyzer is
// deliberately absent: the analysis client absorbs it via the mock fallback
// and it never reaches a caller.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrNotFound        = errors.New("detection not found")
	ErrInternal        = errors.New("internal error")
)
