package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

// Middleware enforces an IP-keyed rule on every request passing through.
// Phone- and email-keyed rules are checked by the handlers themselves once
// the request body is decoded.
func (l *Limiter) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := l.Check(r.Context(), rule, ClientIP(r))
			if err != nil {
				// Fail open when the KV store is unreachable.
				l.logger.Warn("rate limit check unavailable", "rule", rule.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				l.logger.Warn("rate limit exceeded",
					"rule", rule.Name,
					"ip", ClientIP(r),
					"count", result.Count,
					"limit", result.Limit,
				)
				err := errmap.New(errmap.CodeRateLimit, "ratelimit."+rule.Name, "").
					WithRetryAfter(result.RetryAfterSeconds())
				errmap.WriteError(w, err, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller address, preferring what the RealIP
// middleware resolved and dropping any port suffix.
func ClientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		addr = xri
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
