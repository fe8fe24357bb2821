package middleware

import (
	"context"
	"fmt"
	"strconv"

	"marketdata-relay/internal/redis"
	"marketdata-relay/internal/services"
	relay_errors "marketdata-relay/pkg/errors"

	"github.com/gin-gonic/gin"
)

type limitFunc func(ctx context.Context, username string) (*redis.RateLimitResult, error)

// SearchRateLimitMiddleware limits symbol searches per user.
// Should be applied after SessionMiddleware and ErrorHandler.
func SearchRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowSearch, "search rate limit exceeded")
}

// SubscribeRateLimitMiddleware limits subscribe and unsubscribe calls per user.
func SubscribeRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowSubscribe, "subscription rate limit exceeded")
}

func rateLimit(allow limitFunc, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		username, ok := services.UsernameFromContext(c.Request.Context())
		if !ok {
			// No user context, the route answers 401 itself
			c.Next()
			return
		}

		result, err := allow(c.Request.Context(), username)
		if err != nil {
			_ = c.Error(relay_errors.WithMessage(fmt.Errorf("rate limit check: %w", err), "rate limit error"))
			c.Abort()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			_ = c.Error(relay_errors.WithMessage(relay_errors.ErrRateLimited, message))
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
