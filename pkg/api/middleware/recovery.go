package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/goclaw/eventmesh/pkg/api/response"
	"github.com/goclaw/eventmesh/pkg/logger"
)

// Recovery returns a middleware that recovers from panics.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					// Log the panic with stack trace
					stack := debug.Stack()
					log.ErrorContext(r.Context(), "panic recovered",
						"error", fmt.Sprint(err),
						"path", r.URL.Path,
						"method", r.Method,
						"stack", string(stack),
					)

					requestID := GetRequestID(r.Context())
					if requestID == "" {
						requestID = r.Header.Get(RequestIDHeader)
					}
					if requestID == "" {
						requestID = "unknown"
					}

					// The panic value stays in the log; clients get a fixed message.
					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"Internal server error",
						requestID,
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
