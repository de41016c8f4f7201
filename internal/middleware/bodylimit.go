package middleware

import (
	"io"
	"net/http"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// BodyLimit returns a middleware that limits the request body size.
// Requests declaring a larger Content-Length are rejected with 413 before
// the handler runs; bodies without a declared length fail with
// *http.MaxBytesError once the limit is read past. A non-positive maxSize
// disables the limit.
func BodyLimit(maxSize int64, logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				logger.Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
					observability.String("path", r.URL.Path),
				)
				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, ErrRequestEntityTooLarge)
				return
			}

			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			}
			next.ServeHTTP(w, r)
		})
	}
}
