package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/tenantgate/tenantgate/pkg/httputil"
)

// SignInRateLimitConfig bounds credential sign-in attempts per source
// address. Shared across instances through Redis.
type SignInRateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultSignInRateLimitConfig returns the default sign-in limits.
func DefaultSignInRateLimitConfig() *SignInRateLimitConfig {
	return &SignInRateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// SignInRateLimiter is a Redis-backed fixed-window rate limiter.
type SignInRateLimiter struct {
	redis  *redis.Client
	config *SignInRateLimitConfig
	prefix string
}

// NewSignInRateLimiter creates a Redis-backed sign-in rate limiter.
func NewSignInRateLimiter(redisClient *redis.Client, config *SignInRateLimitConfig) *SignInRateLimiter {
	if config == nil {
		config = DefaultSignInRateLimitConfig()
	}
	return &SignInRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: "ratelimit:signin",
	}
}

// Allow checks whether another attempt from this key is permitted.
// Redis errors fail open so an outage cannot lock everyone out.
func (rl *SignInRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Reset clears the counter for a key.
func (rl *SignInRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}

// Handler wraps sign-in endpoints with per-address rate limiting.
func (rl *SignInRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		allowed, err := rl.Allow(r.Context(), host)
		if err != nil {
			logrus.WithError(err).Warn("sign-in rate limiter unavailable, allowing request")
		}
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.config.WindowDuration.Seconds())))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "too many sign-in attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}
