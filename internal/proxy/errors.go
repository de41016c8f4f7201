package proxy

import (
	"errors"
	"fmt"
)

// Failure reasons reported by ForwardError and the forward failure metric.
const (
	ReasonTimeout      = "timeout"
	ReasonNetwork      = "network"
	ReasonBadRequest   = "bad_request"
	ReasonBodyTooLarge = "body_too_large"
)

// Sentinel errors for forwarding.
var (
	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrResponseTooLarge indicates that the upstream response exceeded the
	// configured buffer limit.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ForwardError is a failed upstream call.
type ForwardError struct {
	Region string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s failed (%s): %v", e.Region, e.Reason, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Cause
}
