package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{username}:search - per-window symbol searches
// - ratelimit:{username}:subscribe - per-window subscribe/unsubscribe calls

// RateLimitConfig contains configuration for rate limiting
type RateLimitConfig struct {
	SearchLimit     int
	SearchWindow    time.Duration
	SubscribeLimit  int
	SubscribeWindow time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		SearchLimit:     120,
		SearchWindow:    60 * time.Second,
		SubscribeLimit:  30,
		SubscribeWindow: 60 * time.Second,
	}
}

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
	}
}

var checkLimitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

func (r *RateLimiter) AllowSearch(ctx context.Context, username string) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:search", username)
	return r.checkLimit(ctx, key, r.config.SearchLimit, r.config.SearchWindow)
}

func (r *RateLimiter) AllowSubscribe(ctx context.Context, username string) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:subscribe", username)
	return r.checkLimit(ctx, key, r.config.SubscribeLimit, r.config.SubscribeWindow)
}

// checkLimit performs a fixed-window counter check atomically.
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	result, err := checkLimitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}

	allowed, _ := resultSlice[0].(int64)
	remaining, _ := resultSlice[1].(int64)
	ttl, _ := resultSlice[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     limit,
	}, nil
}

// ResetUser resets all rate limits for a user
func (r *RateLimiter) ResetUser(ctx context.Context, username string) error {
	keys := []string{
		fmt.Sprintf("ratelimit:%s:search", username),
		fmt.Sprintf("ratelimit:%s:subscribe", username),
	}
	return r.client.Del(ctx, keys...).Err()
}
