package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/saga"
)

// CORS returns a middleware that answers cross-origin requests. Browser
// clients always get to send and read the request id, saga instance and
// topic headers, whatever the configured lists say. A preflight from an
// origin that is not allowed is refused with 403.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	allowHeaders := strings.Join(withHeaders(cfg.AllowedHeaders,
		"Content-Type", RequestIDHeader, saga.HeaderSagaInstanceID, TopicHeader), ", ")
	exposeHeaders := strings.Join(withHeaders(cfg.ExposedHeaders,
		RequestIDHeader, saga.HeaderSagaInstanceID), ", ")
	allowMethods := strings.Join(cfg.AllowedMethods, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			w.Header().Add("Vary", "Origin")

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !isOriginAllowed(origin, cfg.AllowedOrigins) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", exposeHeaders)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if allowMethods != "" {
				h.Set("Access-Control-Allow-Methods", allowMethods)
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// withHeaders appends each required header missing from configured,
// compared case-insensitively.
func withHeaders(configured []string, required ...string) []string {
	out := append([]string(nil), configured...)
	for _, want := range required {
		found := false
		for _, have := range out {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, want)
		}
	}
	return out
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
