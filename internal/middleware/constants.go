// Package middleware provides the HTTP middleware wrapped around the router
// and admin handlers.
package middleware

import "net/http"

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the X-Forwarded-For header name.
	HeaderXForwardedFor = "X-Forwarded-For"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Error response bodies.
const (
	// ErrInternalServerError is the body written after a recovered panic.
	ErrInternalServerError = `{"error":"internal server error"}`

	// ErrRequestEntityTooLarge is the body written for oversized requests.
	ErrRequestEntityTooLarge = `{"error":"request entity too large"}`
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h with mws. The first middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
