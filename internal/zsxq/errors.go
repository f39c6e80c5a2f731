package zsxq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthExpired reports that the platform rejected the membership or session.
	ErrAuthExpired = errors.New("zsxq: membership or credential expired")
	// ErrNoCredential is returned when no cookie could be resolved for a call.
	ErrNoCredential = errors.New("zsxq: no credential available")
)

// Platform codes with special meaning.
const (
	CodeMembershipExpired = 14210
	CodeSessionExpired    = 14201
	CodeRateLimited       = 1059
)

// TransportError covers timeouts, connection failures, non-2xx statuses and unreadable bodies.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("zsxq %s: http status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("zsxq %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary marks transport failures as retryable.
func (e *TransportError) Temporary() bool { return true }

// APIError is a well-formed response with succeeded=false.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zsxq %s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

// Expired reports whether the platform signalled membership or session expiry.
func (e *APIError) Expired() bool {
	if e.Code == CodeMembershipExpired || e.Code == CodeSessionExpired {
		return true
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(e.Message, "过期") || strings.Contains(lower, "expired")
}

// Is lets errors.Is(err, ErrAuthExpired) match expiry responses.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthExpired && e.Expired()
}

// IsRetryable reports whether a failed call may be attempted again.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrNoCredential) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae)
}

// ExpiryDetails extracts the platform code and message from an expiry error.
func ExpiryDetails(err error) (code int, message string, ok bool) {
	var ae *APIError
	if errors.As(err, &ae) && ae.Expired() {
		return ae.Code, ae.Message, true
	}
	if errors.Is(err, ErrAuthExpired) {
		return 0, err.Error(), true
	}
	return 0, "", false
}
