// Package authority implements the SOAP/mutual-TLS client for the tax
// authority web services: batch authorization, receipt polling, situation
// query, events (cancellation, correction, recipient manifestation), number
// range invalidation and service health.
package authority

import (
	"errors"
	"fmt"
)

// TransportError is a network-layer failure: timeout, DNS, connection
// refused, or a broken SOAP exchange. It is always retryable and triggers
// the fallback chain. Retryability is decided here, at the point the error
// originates, never inferred downstream from message text.
type TransportError struct {
	Operation string
	Endpoint  string
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("authority %s: timeout calling %s: %v", e.Operation, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("authority %s: transport failure calling %s: %v", e.Operation, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable marks the transport class as safe to retry or fall back.
func (e *TransportError) Retryable() bool { return true }

// AuthorityRejection is a well-formed authority response carrying a
// non-success business status code. It is terminal: resubmitting the same
// content would not change the outcome.
type AuthorityRejection struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *AuthorityRejection) Error() string {
	return fmt.Sprintf("authority %s: rejected with cStat %d: %s", e.Operation, e.StatusCode, e.Message)
}

// Retryable marks the rejection class as not retryable.
func (e *AuthorityRejection) Retryable() bool { return false }

// IsRetryable reports whether err (anywhere in its chain) is a
// transport-class failure that may be retried or routed to contingency.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsRejection extracts an AuthorityRejection from the error chain.
func AsRejection(err error) (*AuthorityRejection, bool) {
	var ar *AuthorityRejection
	if errors.As(err, &ar) {
		return ar, true
	}
	return nil, false
}
