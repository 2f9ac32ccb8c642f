package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

const apiKeyHeader = "X-API-Key"

// RequireAPIKey guards service-to-service endpoints with a shared key in
// the X-API-Key header. An empty configured key rejects everything so a
// missing env var can never leave the endpoints open.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				errmap.WriteError(w, errmap.New(errmap.CodeForbidden,
					"middleware.api_key", "api key authentication is not configured"), "")
				return
			}
			got := r.Header.Get(apiKeyHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				errmap.WriteError(w, errmap.New(errmap.CodeForbidden,
					"middleware.api_key", "invalid api key"), "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
