package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/auth"
	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/redis"
)

// Limiter is satisfied by *redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Authenticator turns a bearer token into a user ID.
type Authenticator interface {
	Authenticate(token string) (uuid.UUID, error)
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request; an empty key
// skips the check. Limiter failures let the request through.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection("webhook")
				retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WebhookKeyFunc limits per webhook token.
func WebhookKeyFunc(r *http.Request) string {
	if token := WebhookToken(r); token != "" {
		return "webhook:" + token
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// AuthMiddleware requires a valid bearer token and stores the caller's user
// ID in the request context.
func AuthMiddleware(authenticator Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Authentication required",
					"Missing bearer token")
				return
			}

			userID, err := authenticator.Authenticate(token)
			if err != nil {
				logger.Debug("rejected bearer token", zap.Error(err))
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Authentication required",
					"Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}
