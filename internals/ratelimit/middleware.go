package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"go.uber.org/zap"
)

// ClientKey identifies the caller. Behind a trusted reverse proxy the first
// X-Forwarded-For hop is used; otherwise the socket's remote address.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and advertises the
// window state through the standard RateLimit-* headers.
func Middleware(limiter *FixedWindow, trustProxy bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r, trustProxy)
			allowed, remaining, reset := limiter.Allow(key)

			resetIn := int(math.Ceil(reset.Sub(limiter.now()).Seconds()))
			if resetIn < 0 {
				resetIn = 0
			}
			w.Header().Set("RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("RateLimit-Reset", strconv.Itoa(resetIn))

			if !allowed {
				appmetrics.RateLimitedTotal.Inc()
				logger.Debug("Rate limit exceeded", zap.String("client", key), zap.String("path", r.URL.Path))

				w.Header().Set("Retry-After", strconv.Itoa(resetIn))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate_limited"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
