package middleware

import (
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

// Logging returns a middleware that logs every request once it completes.
// A nil clock uses the real clock.
func Logging(logger observability.Logger, clients *ClientIdentifier, clock clockwork.Clock) Middleware {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clock.Now()

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r)

			client := stripPort(r.RemoteAddr)
			if clients != nil {
				client = clients.ClientIP(r)
			}

			logger.WithContext(r.Context()).Info("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.StatusCode),
				observability.Int("size", rw.Size),
				observability.Duration("duration", clock.Since(start)),
				observability.String("client_ip", client),
				observability.String("served_by", rw.Header().Get("X-Served-By")),
				observability.String("user_agent", r.UserAgent()),
			)
		})
	}
}
