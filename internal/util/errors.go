// Package util provides shared error types and HTTP helpers for the router.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for well-known conditions checked with
//     errors.Is. Example: ErrNoHealthyUpstream.
//   - RoutingError for failures that must surface to a client. It carries
//     a Kind that decides the HTTP status and the public message.
//   - fmt.Errorf with %w for ad-hoc wrapping.
package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors.
var (
	ErrNoHealthyUpstream = errors.New("no healthy upstream")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrForwarding        = errors.New("upstream request failed")
	ErrStoreUnavailable  = errors.New("state store unavailable")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// Kind classifies a routing failure.
type Kind int

const (
	// KindInternal covers unexpected failures such as state store errors
	// during upstream selection.
	KindInternal Kind = iota
	// KindNoHealthyUpstream means every region failed its health check.
	KindNoHealthyUpstream
	// KindRateLimited means the client exceeded its window quota.
	KindRateLimited
	// KindCircuitOpenNoFallback means the chosen region's circuit is open
	// and no alternative region is available.
	KindCircuitOpenNoFallback
	// KindForwardingFailure means the upstream call itself failed.
	KindForwardingFailure
)

// String returns a stable identifier for the kind.
func (k Kind) String() string {
	switch k {
	case KindNoHealthyUpstream:
		return "no_healthy_upstream"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpenNoFallback:
		return "circuit_open_no_fallback"
	case KindForwardingFailure:
		return "forwarding_failure"
	default:
		return "internal"
	}
}

// StatusCode returns the HTTP status a client receives for the kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindNoHealthyUpstream, KindCircuitOpenNoFallback:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the error text exposed in response bodies.
func (k Kind) PublicMessage() string {
	switch k {
	case KindNoHealthyUpstream:
		return "no healthy upstream"
	case KindRateLimited:
		return "rate limit exceeded"
	case KindCircuitOpenNoFallback:
		return "service unavailable"
	case KindForwardingFailure:
		return "upstream request failed"
	default:
		return "internal routing error"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNoHealthyUpstream:
		return ErrNoHealthyUpstream
	case KindRateLimited:
		return ErrRateLimited
	case KindCircuitOpenNoFallback:
		return ErrCircuitOpen
	case KindForwardingFailure:
		return ErrForwarding
	default:
		return nil
	}
}

// RoutingError is a failure the router reports to its client.
type RoutingError struct {
	Kind   Kind
	Region string
	Cause  error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	msg := e.Kind.PublicMessage()
	if e.Region != "" {
		msg = fmt.Sprintf("%s (region %s)", msg, e.Region)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Is matches another RoutingError of the same kind or the kind's sentinel.
func (e *RoutingError) Is(target error) bool {
	if t, ok := target.(*RoutingError); ok {
		return t.Kind == e.Kind
	}
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	return false
}

// NewRoutingError creates a RoutingError.
func NewRoutingError(kind Kind, region string, cause error) *RoutingError {
	return &RoutingError{Kind: kind, Region: region, Cause: cause}
}

// AsRoutingError extracts a RoutingError from err, classifying anything
// else as an internal failure.
func AsRoutingError(err error) *RoutingError {
	var re *RoutingError
	if errors.As(err, &re) {
		return re
	}
	return &RoutingError{Kind: KindInternal, Cause: err}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConfigError or ErrConfigInvalid.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}
