package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// RateLimit spends one unit of the scope's budget per request. Requests
// that passed auth are keyed by caller, the rest by client IP; scope keeps
// the read and write budgets apart. A failing limiter lets the request
// through.
func RateLimit(limiter domain.RateLimiter, scope string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(1, int((window / time.Duration(max(limit, 1))).Seconds())))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:" + scope + ":ip:" + ClientIP(r)
			if caller, ok := Caller(r.Context()); ok {
				key = "ratelimit:" + scope + ":caller:" + caller
			}

			ok, err := limiter.Allow(r.Context(), key, limit, window)
			switch {
			case err != nil:
				logger.WarnContext(r.Context(), "server: rate limiter failed",
					slog.String("scope", scope),
					slog.String("error", err.Error()),
				)
			case !ok:
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the first valid address in X-Forwarded-For, then X-Real-IP,
// then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
