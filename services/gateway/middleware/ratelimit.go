package middleware

import (
	"log/slog"
	"net"
	"net/http"

	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
)

// RateLimit throttles requests per client IP using the Redis sliding-window
// limiter. On a limiter error the request is let through: losing rate
// limiting briefly is better than refusing all mesh traffic while Redis
// is down.
func RateLimit(limiter meshredis.RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			allowed, err := limiter.Allow(r.Context(), host)
			if err != nil {
				logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
