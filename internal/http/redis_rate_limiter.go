package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "nodepilot:ratelimit:"
	redisPingWait   = 2 * time.Second
	redisCommandSLA = 250 * time.Millisecond
)

// redisLimiter counts requests in Redis so limits hold across restarts and
// replicas. Redis being unreachable never blocks traffic; the limiter fails
// open and logs.
type redisLimiter struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisRateLimiter connects to Redis and returns a shared-state limiter.
func NewRedisRateLimiter(addr, password string, db int, log *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingWait)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisLimiter{client: client, log: log}, nil
}

func (rl *redisLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCommandSLA)
	defer cancel()

	counterKey := redisKeyPrefix + key
	count, err := rl.client.Incr(ctx, counterKey).Result()
	if err != nil {
		rl.failOpen("incr", err)
		return rateDecision{allowed: true}
	}
	// First hit in a window owns setting the expiry.
	if count == 1 {
		if err := rl.client.Expire(ctx, counterKey, window).Err(); err != nil {
			rl.failOpen("expire", err)
		}
	}
	ttl, err := rl.client.TTL(ctx, counterKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   int(count) <= limit,
		count:     int(count),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisLimiter) failOpen(op string, err error) {
	if rl.log == nil {
		return
	}
	rl.log.Error("rate limit backend unavailable, allowing request", "op", op, "error", err)
}
