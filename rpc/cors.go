// cors.go implements the CORS boundary: browser-origin requests are
// filtered against an allow-list, preflight OPTIONS requests are answered
// with the allowed methods and headers, and requests carrying more than
// one Origin header are rejected outright.
package rpc

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the cross-origin policy for an HTTP endpoint.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // seconds
}

// DefaultCORSConfig allows nothing: CORS is opt-in per origin.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}
}

// CORSMiddleware enforces the policy around a handler.
func CORSMiddleware(config CORSConfig, next http.Handler) http.Handler {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origins := r.Header.Values("Origin")
		if len(origins) > 1 {
			http.Error(w, "multiple Origin headers", http.StatusBadRequest)
			return
		}
		if len(origins) == 0 {
			// Not a browser cross-origin request.
			next.ServeHTTP(w, r)
			return
		}
		origin := origins[0]
		if !originAllowed(origin, config.AllowedOrigins) {
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			// Plain request from a disallowed origin: serve without CORS
			// headers and let the browser enforce the policy.
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if config.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks an origin against the allow-list; "*" allows all.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
