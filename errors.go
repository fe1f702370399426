package resilient

import (
	"errors"
	"fmt"
)

// ErrOfflineNoCache is returned when a read finds the network offline
// and no fresh cached data. It is terminal; callers decide what to show.
var ErrOfflineNoCache = errors.New("offline and no cached data available")

// ErrUnknownKind is returned for reads of an unregistered resource kind.
var ErrUnknownKind = errors.New("unknown resource kind")

// TransientError marks a network failure worth retrying: no response at
// all, or HTTP 408/429/5xx. Idempotent reads retry these automatically;
// writes never retry inline and go to the mutation queue instead.
type TransientError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AuthError is an HTTP 401 outside the session probe endpoint. The
// client has already invoked its auth-expired hook when this surfaces.
type AuthError struct {
	Path string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication expired for %s", e.Path)
}

// transientStatus reports whether a status code counts as transient.
func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
